/*
Package types defines the core data structures of the State Authority's
domain model: RunSpecs, Instances, framework registration, and the
immutable Snapshot that bundles them.

# Core Types

RunSpecRef identifies a RunSpec by hierarchical path and opaque version
token; RunSpec carries resource requirements, command, constraints, and
desired instance count. Instance is a single scheduled/running copy of a
RunSpec, tracked by UUID, incarnation, goal, and condition. Snapshot is the
immutable point-in-time view the authority publishes after every applied
command.

# State Machines

Goal is downgrade-only: Running -> Stopped -> Decommissioned. Once
Decommissioned it is permanent (see ValidGoalTransition).

Condition follows a lattice closed under three terminal states (Finished,
Failed, Gone):

	Scheduled -> Provisioned -> Staging -> Running -> Killing -> Finished
	    \            \             \          \           \
	     -> Failed    -> Failed     -> Failed  -> Finished  -> Failed
	      \ -> Gone     \ -> Gone     \ -> Gone   \ -> Failed  \ -> Gone
	                                              \ -> Gone

See ReachableCondition for the authoritative transition table.

# Thread Safety

Snapshot and its contents are value-semantic: once published by the
authority they are never mutated in place. Callers that need to change
state call Clone and mutate the copy. All reads of a published Snapshot
are therefore safe for concurrent use without locking.
*/
package types
