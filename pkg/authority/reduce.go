package authority

import (
	"fmt"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
)

// reduce dispatches one command against a freshly cloned snapshot,
// mutating it in place and returning the delta to persist, any effects to
// emit once the delta is durable, and a rejection when the command does
// not apply. This is the reduction-rules table of spec.md §4.3: every
// branch below corresponds to one row.
func (a *Authority) reduce(snap *types.Snapshot, cmd command.Command) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	switch c := cmd.(type) {
	case command.PutRunSpec:
		return a.reducePutRunSpec(snap, c)
	case command.DeleteRunSpec:
		return a.reduceDeleteRunSpec(snap, c)
	case command.AddInstance:
		return a.reduceAddInstance(snap, c)
	case command.UpdateInstanceGoal:
		return a.reduceUpdateInstanceGoal(snap, c)
	case command.ForgetInstance:
		return a.reduceForgetInstance(snap, c)
	case command.ReservePlacements:
		return a.reduceReservePlacements(snap, c)
	case command.ReleasePlacement:
		return a.reduceReleasePlacement(snap, c)
	default:
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionInvalidRef,
			Reason: fmt.Sprintf("unknown command type %T", cmd),
		}
	}
}

// reducePutRunSpec is idempotent: re-putting the same ref simply replaces
// its RunSpec. There is no reject path beyond a malformed ref.
func (a *Authority) reducePutRunSpec(snap *types.Snapshot, c command.PutRunSpec) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	if !c.RunSpec.Ref.Valid() {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionInvalidRef,
			Reason: fmt.Sprintf("invalid runSpec ref %q", c.RunSpec.Ref.String()),
		}
	}
	rs := c.RunSpec.Clone()
	snap.RunSpecs[rs.Ref] = rs
	return command.SnapshotDelta{PutRunSpecs: []types.RunSpec{*rs}}, nil, nil
}

// reduceDeleteRunSpec rejects with RunSpecInUse while any Instance still
// references the RunSpec — deletion never implicitly tears down running
// work (spec.md §4.1 invariant "every Instance.ref resolves to a present
// RunSpec").
func (a *Authority) reduceDeleteRunSpec(snap *types.Snapshot, c command.DeleteRunSpec) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	if _, ok := snap.RunSpecs[c.Ref]; !ok {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionNoRunSpec,
			Reason: fmt.Sprintf("No runSpec %s", c.Ref),
		}
	}
	for _, inst := range snap.Instances {
		if inst.Ref == c.Ref {
			return command.SnapshotDelta{}, nil, &command.Rejection{
				Kind:   command.RejectionRunSpecInUse,
				Reason: fmt.Sprintf("runSpec %s still referenced by instance %s", c.Ref, inst.UUID),
			}
		}
	}
	delete(snap.RunSpecs, c.Ref)
	return command.SnapshotDelta{RemoveRunSpecs: []types.RunSpecRef{c.Ref}}, nil, nil
}

// reduceAddInstance creates an Instance at incarnation 1, condition
// Scheduled, goal Running unless the caller overrides it.
func (a *Authority) reduceAddInstance(snap *types.Snapshot, c command.AddInstance) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	if _, ok := snap.RunSpecs[c.Ref]; !ok {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionNoRunSpec,
			Reason: fmt.Sprintf("No runSpec %s", c.Ref),
		}
	}
	if _, exists := snap.Instances[c.UUID]; exists {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionDuplicateInstance,
			Reason: fmt.Sprintf("instance %s already exists", c.UUID),
		}
	}

	goal := c.Goal
	if goal == "" {
		goal = types.GoalRunning
	}

	now := a.cfg.Now()
	inst := types.Instance{
		UUID:             c.UUID,
		Ref:              c.Ref,
		Incarnation:      1,
		Goal:             goal,
		Condition:        types.ConditionScheduled,
		CreatedAt:        now,
		LastStatusUpdate: now,
	}
	snap.Instances[c.UUID] = &inst
	return command.SnapshotDelta{PutInstances: []types.Instance{inst}}, nil, nil
}

// reduceUpdateInstanceGoal validates the downgrade-only goal lattice and,
// when the new goal takes the instance out of service, emits a KillTask
// for any non-terminal instance (spec.md §4.1 "goal transitions to
// Stopped/Decommissioned imply a kill if the instance is not already
// terminal").
func (a *Authority) reduceUpdateInstanceGoal(snap *types.Snapshot, c command.UpdateInstanceGoal) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	inst, ok := snap.Instances[c.UUID]
	if !ok {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionNoSuchInstance,
			Reason: fmt.Sprintf("no such instance %s", c.UUID),
		}
	}
	if !types.ValidGoalTransition(inst.Goal, c.Goal) {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionInvalidGoalTransition,
			Reason: fmt.Sprintf("cannot transition goal %s -> %s", inst.Goal, c.Goal),
		}
	}

	inst.Goal = c.Goal

	var effects []command.Effect
	if c.Goal != types.GoalRunning && !inst.Condition.Terminal() {
		effects = append(effects, command.KillTask{UUID: inst.UUID, Incarnation: inst.Incarnation, TaskID: inst.TaskID()})
	}
	return command.SnapshotDelta{PutInstances: []types.Instance{*inst}}, effects, nil
}

// reduceForgetInstance only applies once an instance has reached a
// terminal condition — it is the sole way an Instance entry is ever
// removed from the snapshot.
func (a *Authority) reduceForgetInstance(snap *types.Snapshot, c command.ForgetInstance) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	inst, ok := snap.Instances[c.UUID]
	if !ok {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionNoSuchInstance,
			Reason: fmt.Sprintf("no such instance %s", c.UUID),
		}
	}
	if !inst.Condition.Terminal() {
		return command.SnapshotDelta{}, nil, &command.Rejection{
			Kind:   command.RejectionInstanceNotTerminal,
			Reason: fmt.Sprintf("instance %s is %s, not terminal", c.UUID, inst.Condition),
		}
	}
	delete(snap.Instances, c.UUID)
	return command.SnapshotDelta{RemoveInstances: []string{c.UUID}}, nil, nil
}

// reduceReservePlacements is submitted internally by the Offer Reconciler.
// Any UUID that is missing or no longer Scheduled by the time the command
// reaches the authority (e.g. it was concurrently forgotten) is silently
// skipped rather than rejecting the whole batch — the reconciler's next
// cycle will simply not see it as a candidate again.
func (a *Authority) reduceReservePlacements(snap *types.Snapshot, c command.ReservePlacements) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	var updated []types.Instance
	var effects []command.Effect
	for _, id := range c.UUIDs {
		inst, ok := snap.Instances[id]
		if !ok || inst.Condition != types.ConditionScheduled {
			continue
		}
		inst.Condition = types.ConditionProvisioned
		inst.AgentID = c.AgentID
		updated = append(updated, *inst)

		rs := snap.RunSpecs[inst.Ref]
		if rs != nil {
			effects = append(effects, command.LaunchTask{
				AgentID:   c.AgentID,
				UUID:      inst.UUID,
				Ref:       inst.Ref,
				TaskID:    inst.TaskID(),
				Resources: rs.Resources,
				Command:   rs.Command,
			})
		}
	}
	return command.SnapshotDelta{PutInstances: updated}, effects, nil
}

// reduceReleasePlacement rolls back a prior reservation when the broker
// refuses the accept-offer call: affected instances revert to Scheduled
// so the next reconciliation cycle retries them against a fresh offer.
func (a *Authority) reduceReleasePlacement(snap *types.Snapshot, c command.ReleasePlacement) (command.SnapshotDelta, []command.Effect, *command.Rejection) {
	var updated []types.Instance
	for _, id := range c.UUIDs {
		inst, ok := snap.Instances[id]
		if !ok || inst.Condition != types.ConditionProvisioned {
			continue
		}
		inst.Condition = types.ConditionScheduled
		inst.AgentID = ""
		updated = append(updated, *inst)
	}
	return command.SnapshotDelta{PutInstances: updated}, nil, nil
}
