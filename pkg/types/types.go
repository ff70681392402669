// Package types holds the pure, in-memory data model of the State
// Authority: RunSpecs, Instances, the framework registration singleton,
// and the immutable Snapshot that bundles them. Nothing in this package
// performs I/O; it only knows how to validate and fold itself.
package types

import (
	"fmt"
	"sort"
	"strings"
)

// RunSpecRef identifies a RunSpec by its hierarchical path and an opaque
// version token. Key equality is structural over both fields.
type RunSpecRef struct {
	Path    string
	Version string
}

func (r RunSpecRef) String() string {
	return fmt.Sprintf("%s#%s", r.Path, r.Version)
}

// Valid reports whether the ref is well-formed: Path must start with "/"
// and Version must be non-empty.
func (r RunSpecRef) Valid() bool {
	return strings.HasPrefix(r.Path, "/") && r.Path != "/" && r.Version != ""
}

// ResourceRequirements is the resource footprint a RunSpec asks for per
// instance.
type ResourceRequirements struct {
	CPUs float64 // fractional cores
	Mem  int64   // bytes
	Disk int64   // bytes
}

// Constraint is a simple attribute-equality placement constraint, e.g.
// {Attribute: "rack", Value: "r1"}.
type Constraint struct {
	Attribute string
	Value     string
}

// RunSpec is the declarative definition of a long-running workload.
type RunSpec struct {
	Ref           RunSpecRef
	Resources     ResourceRequirements
	Command       []string
	Constraints   []Constraint
	DesiredCount  int
}

// Clone returns a deep-enough copy for value-semantic snapshot sharing.
func (rs *RunSpec) Clone() *RunSpec {
	if rs == nil {
		return nil
	}
	out := *rs
	if rs.Command != nil {
		out.Command = append([]string(nil), rs.Command...)
	}
	if rs.Constraints != nil {
		out.Constraints = append([]Constraint(nil), rs.Constraints...)
	}
	return &out
}

// Goal is the operator-declared target lifecycle state of an Instance.
type Goal string

const (
	GoalRunning       Goal = "Running"
	GoalStopped       Goal = "Stopped"
	GoalDecommissioned Goal = "Decommissioned"
)

// goalRank encodes the monotone downgrade order Running -> Stopped ->
// Decommissioned. A goal transition is valid only if it does not decrease
// rank (spec.md §3: "Goal monotonicity: once Decommissioned, goal is
// permanent").
var goalRank = map[Goal]int{
	GoalRunning:        0,
	GoalStopped:        1,
	GoalDecommissioned: 2,
}

// ValidGoalTransition reports whether transitioning from `from` to `to` is
// a permitted downgrade-only move (equal is allowed as a no-op).
func ValidGoalTransition(from, to Goal) bool {
	fr, ok1 := goalRank[from]
	tr, ok2 := goalRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr >= fr
}

// Condition is the observed lifecycle state of an Instance, as reported by
// the broker via status updates.
type Condition string

const (
	ConditionScheduled  Condition = "Scheduled"
	ConditionProvisioned Condition = "Provisioned"
	ConditionStaging    Condition = "Staging"
	ConditionRunning    Condition = "Running"
	ConditionKilling    Condition = "Killing"
	ConditionFinished   Condition = "Finished"
	ConditionFailed     Condition = "Failed"
	ConditionGone       Condition = "Gone"
)

// Terminal reports whether a condition is one of the closed terminal set:
// from Finished, Failed, or Gone no non-terminal transition is permitted.
func (c Condition) Terminal() bool {
	switch c {
	case ConditionFinished, ConditionFailed, ConditionGone:
		return true
	default:
		return false
	}
}

// conditionLattice maps each condition to the set of conditions reachable
// from it in one status update. Terminal conditions reach nothing (closed).
// Any condition may be independently observed as Gone (broker says it no
// longer knows about the task) or Failed (broker reports an unrecoverable
// error), so both appear from every non-terminal source.
var conditionLattice = map[Condition]map[Condition]bool{
	ConditionScheduled: {
		ConditionProvisioned: true,
		ConditionFailed:      true,
		ConditionGone:        true,
	},
	ConditionProvisioned: {
		ConditionStaging: true,
		ConditionRunning: true,
		ConditionFailed:  true,
		ConditionGone:    true,
	},
	ConditionStaging: {
		ConditionRunning: true,
		ConditionFailed:  true,
		ConditionGone:    true,
	},
	ConditionRunning: {
		ConditionKilling:  true,
		ConditionFinished: true,
		ConditionFailed:   true,
		ConditionGone:     true,
	},
	ConditionKilling: {
		ConditionFinished: true,
		ConditionFailed:   true,
		ConditionGone:     true,
	},
	ConditionFinished: {},
	ConditionFailed:   {},
	ConditionGone:     {},
}

// ReachableCondition reports whether `to` is reachable from `from` per the
// condition lattice. Equal conditions are always reachable (no-op update).
func ReachableCondition(from, to Condition) bool {
	if from == to {
		return true
	}
	next, ok := conditionLattice[from]
	if !ok {
		return false
	}
	return next[to]
}

// Instance is one scheduled/running copy of a RunSpec.
type Instance struct {
	UUID              string
	Ref               RunSpecRef
	Incarnation       int
	Goal              Goal
	Condition         Condition
	AgentID           string // optional; empty until scheduled onto an agent
	LastStatusUpdate  int64  // monotonic ms since epoch
	CreatedAt         int64  // monotonic ms since epoch, used for oldest-first ordering
}

// Clone returns a value copy suitable for snapshot sharing.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	return &out
}

// TaskID is the broker-facing task identifier: it embeds the UUID and
// incarnation so that successive broker tasks for the same logical
// Instance are distinguishable (GLOSSARY: Incarnation).
func (i *Instance) TaskID() string {
	return fmt.Sprintf("%s/%d", i.UUID, i.Incarnation)
}

// FrameworkRegistration is the singleton slot recording the broker
// handshake.
type FrameworkRegistration struct {
	FrameworkID   string
	LastMasterID  string
	Registered    bool
}

// Snapshot is the immutable, point-in-time view of all authoritative
// state. Every applied command produces a new Snapshot; readers only ever
// see a fully-formed, invariant-respecting one.
type Snapshot struct {
	RunSpecs   map[RunSpecRef]*RunSpec
	Instances  map[string]*Instance
	Framework  FrameworkRegistration
}

// Empty returns the zero-value snapshot: no RunSpecs, no Instances, an
// unregistered framework. This is the fold seed for journal replay.
func Empty() *Snapshot {
	return &Snapshot{
		RunSpecs:  make(map[RunSpecRef]*RunSpec),
		Instances: make(map[string]*Instance),
	}
}

// Clone produces a new Snapshot sharing no mutable state with its
// predecessor — callers mutate the clone and discard the original,
// preserving the "snapshots are immutable once published" invariant.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		RunSpecs:  make(map[RunSpecRef]*RunSpec, len(s.RunSpecs)),
		Instances: make(map[string]*Instance, len(s.Instances)),
		Framework: s.Framework,
	}
	for k, v := range s.RunSpecs {
		out.RunSpecs[k] = v.Clone()
	}
	for k, v := range s.Instances {
		out.Instances[k] = v.Clone()
	}
	return out
}

// CheckInvariants validates the closed set of structural invariants from
// spec.md §3. A violation here is a programming error in the reducer and
// must escalate to the Crash Strategy (§4.8), never be silently tolerated.
func (s *Snapshot) CheckInvariants() error {
	for uuid, inst := range s.Instances {
		if inst.UUID != uuid {
			return fmt.Errorf("instance keyed %s has UUID field %s", uuid, inst.UUID)
		}
		if _, ok := s.RunSpecs[inst.Ref]; !ok {
			return fmt.Errorf("instance %s references absent RunSpec %s", uuid, inst.Ref)
		}
	}
	return nil
}

// ScheduledCandidates returns Instances with condition=Scheduled and
// goal=Running, ordered oldest-first by CreatedAt, as required by the
// Offer Reconciler's matching policy (spec.md §4.5 step 1).
func (s *Snapshot) ScheduledCandidates() []*Instance {
	var out []*Instance
	for _, inst := range s.Instances {
		if inst.Condition == ConditionScheduled && inst.Goal == GoalRunning {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// AllocatedOn sums the resource footprint of every non-terminal,
// already-placed (i.e. no longer Scheduled) instance assigned to agentID —
// the capacity commitment an offer source must subtract from whatever
// total it advertises next (spec.md §4.5's offer-resources accounting).
func (s *Snapshot) AllocatedOn(agentID string) ResourceRequirements {
	var total ResourceRequirements
	for _, inst := range s.Instances {
		if inst.AgentID != agentID || inst.Condition == ConditionScheduled || inst.Condition.Terminal() {
			continue
		}
		rs, ok := s.RunSpecs[inst.Ref]
		if !ok {
			continue
		}
		total.CPUs += rs.Resources.CPUs
		total.Mem += rs.Resources.Mem
		total.Disk += rs.Resources.Disk
	}
	return total
}

// NonTerminalInstances returns every Instance whose condition is not in the
// terminal set, used by the Instance Tracker's bulk reconciliation on
// leadership acquisition (spec.md §4.6).
func (s *Snapshot) NonTerminalInstances() []*Instance {
	var out []*Instance
	for _, inst := range s.Instances {
		if !inst.Condition.Terminal() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}
