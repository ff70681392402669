/*
Package reconciler implements the Offer Reconciler: the component that
turns broker resource offers into placement decisions. One HandleOffer
call does first-fit bin-packing over Scheduled, goal=Running instances
(oldest first), submits a ReservePlacements command for everything it
picked, and emits exactly one of AcceptOffer or DeclineOffer for the
broker adapter to act on. Matching is a pure function of (snapshot,
offer): the same pair always yields the same picks.
*/
package reconciler
