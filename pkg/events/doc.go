/*
Package events is the authority's Notify sink: an in-memory pub/sub
broker that turns command.Notify effects into subscriber-visible Event
values. The distribution mechanism is unchanged from the teacher's
broker — single buffered event channel (Publish blocks only while it is
full), per-subscriber buffered fan-out, drop-on-full — but subscriptions now carry an optional type filter
(SubscribeFiltered) so a watcher interested in one category, such as
cmd/aegis's leadership-reconciliation trigger, isn't woken for every
unrelated event the teacher's plain Subscribe() would have delivered.

Typical wiring: cmd/aegis's dispatchEffects reads command.Notify off the
authority/reconciler effect channels and republishes each as an
*events.Event; runLeadershipReconciliation subscribes filtered to
leader.elected to drive the Instance Tracker's bulk reconciliation
(spec.md §4.6).
*/
package events
