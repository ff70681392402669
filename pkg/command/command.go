// Package command defines the Command/Effect Protocol: the closed algebra
// of input events the authority consumes, the commands those events carry,
// and the effects the reducer emits in response. Nothing here performs
// I/O — these are plain data types passed across channels.
package command

import "github.com/forgeorbit/aegis/pkg/types"

// Command is the payload of a CommandRequest. Each concrete command type
// below implements this marker interface.
type Command interface {
	commandTag()
}

// PutRunSpec is an idempotent create-or-replace of a RunSpec.
type PutRunSpec struct {
	RunSpec types.RunSpec
}

func (PutRunSpec) commandTag() {}

// DeleteRunSpec removes a RunSpec; rejected if any Instance still
// references it.
type DeleteRunSpec struct {
	Ref types.RunSpecRef
}

func (DeleteRunSpec) commandTag() {}

// AddInstance creates a new Instance at incarnation 1, condition=Scheduled.
type AddInstance struct {
	UUID string
	Ref  types.RunSpecRef
	Goal types.Goal
}

func (AddInstance) commandTag() {}

// UpdateInstanceGoal changes an Instance's goal. Only downgrades are
// permitted (Running -> Stopped -> Decommissioned).
type UpdateInstanceGoal struct {
	UUID string
	Goal types.Goal
}

func (UpdateInstanceGoal) commandTag() {}

// ForgetInstance removes an Instance's mapping entirely. Accepted only
// when the Instance's condition is terminal.
type ForgetInstance struct {
	UUID string
}

func (ForgetInstance) commandTag() {}

// ReservePlacements is submitted by the Offer Reconciler once it has
// picked a first-fit set of Scheduled instances for an offer. The
// authority reduces it deterministically: each UUID present and still
// Scheduled moves to Provisioned; anything else is dropped from the
// accepted set (see spec.md §4.5's batching contract).
type ReservePlacements struct {
	OfferID string
	AgentID string
	UUIDs   []string
}

func (ReservePlacements) commandTag() {}

// ReleasePlacement rolls back a prior ReservePlacements when the broker
// rejects the accept-offer call; affected instances revert to Scheduled.
type ReleasePlacement struct {
	OfferID string
	UUIDs   []string
}

func (ReleasePlacement) commandTag() {}

// Event is the marker interface for input events arriving at the
// authority's bounded queue (spec.md §4.2 "Input events").
type Event interface {
	eventTag()
}

// CommandRequest is an external request to mutate state. requestId is
// opaque to the core; the authority returns exactly one of
// CommandAccepted or CommandFailure referencing the same id.
type CommandRequest struct {
	RequestID string
	Command   Command
}

func (CommandRequest) eventTag() {}

// StatusUpdate is an observed task condition change reported by the
// broker, translated by the Instance Tracker (§4.6).
type StatusUpdate struct {
	UUID      string
	Condition types.Condition
	AgentID   string
	Timestamp int64
}

func (StatusUpdate) eventTag() {}

// FrameworkRegistered marks the broker handshake completing for the first
// time.
type FrameworkRegistered struct {
	FrameworkID string
	MasterID    string
	Version     string
	FaultDomain string
}

func (FrameworkRegistered) eventTag() {}

// FrameworkReregistered marks a re-handshake against a (possibly new)
// master.
type FrameworkReregistered struct {
	MasterID    string
	Version     string
	FaultDomain string
}

func (FrameworkReregistered) eventTag() {}

// LeadershipAcquired activates the pipeline: the authority replays the
// journal to build its initial snapshot, then begins accepting input.
type LeadershipAcquired struct{}

func (LeadershipAcquired) eventTag() {}

// LeadershipLost deactivates the pipeline: in-flight processing drains
// with best-effort CommandFailure{LeadershipLost}, then the authority
// stops accepting input until it reacquires leadership.
type LeadershipLost struct{}

func (LeadershipLost) eventTag() {}

// Shutdown is an ordinary input event requesting graceful termination.
// After processing it the authority emits no further effects.
type Shutdown struct{}

func (Shutdown) eventTag() {}

// RejectionKind enumerates the closed set of user-visible rejection
// reasons (spec.md §7).
type RejectionKind string

const (
	RejectionNoRunSpec             RejectionKind = "NoRunSpec"
	RejectionRunSpecInUse          RejectionKind = "RunSpecInUse"
	RejectionInvalidRef            RejectionKind = "InvalidRef"
	RejectionDuplicateInstance     RejectionKind = "DuplicateInstance"
	RejectionNoSuchInstance        RejectionKind = "NoSuchInstance"
	RejectionInvalidGoalTransition RejectionKind = "InvalidGoalTransition"
	RejectionInstanceNotTerminal   RejectionKind = "InstanceNotTerminal"
	RejectionLeadershipLost        RejectionKind = "LeadershipLost"
	RejectionPersistenceUnavailable RejectionKind = "PersistenceUnavailable"
	RejectionQueueFull             RejectionKind = "QueueFull"
	RejectionShuttingDown          RejectionKind = "ShuttingDown"
)

// Rejection carries the kind and a human-readable reason string, e.g.
// {Kind: NoRunSpec, Reason: "No runSpec /lol#blue"}.
type Rejection struct {
	Kind   RejectionKind
	Reason string
}

// Effect is the marker interface for every externally-observable
// consequence of applying a command.
type Effect interface {
	effectTag()
}

// CommandAccepted means the command committed.
type CommandAccepted struct {
	RequestID string
}

func (CommandAccepted) effectTag() {}

// CommandFailure means the command was rejected before any state change.
type CommandFailure struct {
	RequestID string
	Rejection Rejection
}

func (CommandFailure) effectTag() {}

// LaunchTask drives the broker adapter to start a task for an Instance on
// an agent.
type LaunchTask struct {
	AgentID  string
	UUID     string
	Ref      types.RunSpecRef
	TaskID   string
	Resources types.ResourceRequirements
	Command  []string
}

func (LaunchTask) effectTag() {}

// KillTask drives the broker adapter to terminate a running or orphaned
// task.
type KillTask struct {
	UUID        string
	Incarnation int
	TaskID      string
}

func (KillTask) effectTag() {}

// Persist is an ordered write to the journal: a snapshotDelta under a
// transaction id, one per command's durable state change.
type Persist struct {
	TransactionID string
	Delta         SnapshotDelta
}

func (Persist) effectTag() {}

// Notify is a pub/sub notification to observers, e.g. "instance changed",
// "leader elected", "scheduler disconnected".
type Notify struct {
	EventType string
	Message   string
	Metadata  map[string]string
}

func (Notify) effectTag() {}

// AcceptOffer drives the broker's acceptOffers call.
type AcceptOffer struct {
	OfferID      string
	RefuseSeconds float64
}

func (AcceptOffer) effectTag() {}

// DeclineOffer drives the broker's declineOffer call.
type DeclineOffer struct {
	OfferID      string
	RefuseSeconds float64
}

func (DeclineOffer) effectTag() {}

// SnapshotDelta is the journal-recorded state change for one command: the
// set of RunSpec and Instance upserts/removals needed to fold the prior
// snapshot forward. Journal content is state deltas, not effects —
// external-world effects are never replayed (spec.md §4.4).
type SnapshotDelta struct {
	PutRunSpecs    []types.RunSpec
	RemoveRunSpecs []types.RunSpecRef
	PutInstances   []types.Instance
	RemoveInstances []string
	Framework      *types.FrameworkRegistration
}
