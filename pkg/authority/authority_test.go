package authority

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/crash"
	"github.com/forgeorbit/aegis/pkg/journal"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	cs := crash.New(nil, nil, nil)
	clock := int64(1000)
	a := New(j, cs, Config{QueueCapacity: 16, Now: func() int64 {
		clock++
		return clock
	}})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	require.NoError(t, a.Submit(command.LeadershipAcquired{}))
	waitForEffect(t, a, func(e command.Effect) bool {
		n, ok := e.(command.Notify)
		return ok && n.EventType == "leader.elected"
	})
	return a
}

// waitForEffect drains a.Effects() until pred matches, failing the test on
// timeout. Effects that don't match are simply discarded.
func waitForEffect(t *testing.T, a *Authority, pred func(command.Effect) bool) command.Effect {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case eff := <-a.Effects():
			if pred(eff) {
				return eff
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected effect")
		}
	}
}

func submitAndAwait(t *testing.T, a *Authority, requestID string, cmd command.Command) []command.Effect {
	t.Helper()
	require.NoError(t, a.Submit(command.CommandRequest{RequestID: requestID, Command: cmd}))

	var collected []command.Effect
	deadline := time.After(2 * time.Second)
	for {
		select {
		case eff := <-a.Effects():
			collected = append(collected, eff)
			switch v := eff.(type) {
			case command.CommandAccepted:
				if v.RequestID == requestID {
					return collected
				}
			case command.CommandFailure:
				if v.RequestID == requestID {
					return collected
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for command resolution")
		}
	}
}

func putRef(t *testing.T, a *Authority, ref types.RunSpecRef) {
	t.Helper()
	effs := submitAndAwait(t, a, "put-"+ref.String(), command.PutRunSpec{RunSpec: types.RunSpec{Ref: ref, DesiredCount: 1}})
	require.IsType(t, command.CommandAccepted{}, effs[len(effs)-1])
}

func TestAddInstanceRejectsUnknownRunSpec(t *testing.T) {
	a := newTestAuthority(t)

	effs := submitAndAwait(t, a, "req-1", command.AddInstance{UUID: "u1", Ref: types.RunSpecRef{Path: "/svc", Version: "v1"}})

	require.Len(t, effs, 1)
	fail, ok := effs[0].(command.CommandFailure)
	require.True(t, ok)
	assert.Equal(t, command.RejectionNoRunSpec, fail.Rejection.Kind)
}

func TestAddInstanceThenReserveLaunchesTask(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)

	effs := submitAndAwait(t, a, "req-add", command.AddInstance{UUID: "u1", Ref: ref})
	require.IsType(t, command.CommandAccepted{}, effs[len(effs)-1])

	effs = submitAndAwait(t, a, "req-reserve", command.ReservePlacements{OfferID: "offer-1", AgentID: "agent-1", UUIDs: []string{"u1"}})

	var sawLaunch bool
	for _, eff := range effs {
		if lt, ok := eff.(command.LaunchTask); ok {
			sawLaunch = true
			assert.Equal(t, "u1", lt.UUID)
			assert.Equal(t, "agent-1", lt.AgentID)
		}
	}
	assert.True(t, sawLaunch, "expected a LaunchTask effect")

	snap := a.Snapshot()
	require.Contains(t, snap.Instances, "u1")
	assert.Equal(t, types.ConditionProvisioned, snap.Instances["u1"].Condition)
}

func TestDeleteRunSpecRejectedWhileInUse(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)
	submitAndAwait(t, a, "req-add", command.AddInstance{UUID: "u1", Ref: ref})

	effs := submitAndAwait(t, a, "req-del", command.DeleteRunSpec{Ref: ref})
	fail, ok := effs[len(effs)-1].(command.CommandFailure)
	require.True(t, ok)
	assert.Equal(t, command.RejectionRunSpecInUse, fail.Rejection.Kind)
}

func TestGoalDowngradeKillsThenForgetSucceeds(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)
	submitAndAwait(t, a, "req-add", command.AddInstance{UUID: "u1", Ref: ref})

	// Bring the instance to Running so the kill-on-downgrade path fires.
	require.NoError(t, a.Submit(command.StatusUpdate{UUID: "u1", Condition: types.ConditionProvisioned, Timestamp: 1}))
	waitForEffect(t, a, func(e command.Effect) bool { n, ok := e.(command.Notify); return ok && n.EventType == "instance.changed" })
	require.NoError(t, a.Submit(command.StatusUpdate{UUID: "u1", Condition: types.ConditionRunning, Timestamp: 2}))
	waitForEffect(t, a, func(e command.Effect) bool { n, ok := e.(command.Notify); return ok && n.EventType == "instance.changed" })

	effs := submitAndAwait(t, a, "req-stop", command.UpdateInstanceGoal{UUID: "u1", Goal: types.GoalStopped})
	var sawKill bool
	for _, eff := range effs {
		if kt, ok := eff.(command.KillTask); ok {
			sawKill = true
			assert.Equal(t, "u1", kt.UUID)
		}
	}
	assert.True(t, sawKill, "expected a KillTask effect on goal downgrade")

	// Forget is rejected while not terminal...
	effs = submitAndAwait(t, a, "req-forget-early", command.ForgetInstance{UUID: "u1"})
	fail, ok := effs[len(effs)-1].(command.CommandFailure)
	require.True(t, ok)
	assert.Equal(t, command.RejectionInstanceNotTerminal, fail.Rejection.Kind)

	// ...but succeeds once the broker reports a terminal condition.
	require.NoError(t, a.Submit(command.StatusUpdate{UUID: "u1", Condition: types.ConditionKilling, Timestamp: 3}))
	waitForEffect(t, a, func(e command.Effect) bool { n, ok := e.(command.Notify); return ok && n.EventType == "instance.changed" })
	require.NoError(t, a.Submit(command.StatusUpdate{UUID: "u1", Condition: types.ConditionFinished, Timestamp: 4}))
	waitForEffect(t, a, func(e command.Effect) bool { n, ok := e.(command.Notify); return ok && n.EventType == "instance.changed" })

	effs = submitAndAwait(t, a, "req-forget", command.ForgetInstance{UUID: "u1"})
	require.IsType(t, command.CommandAccepted{}, effs[len(effs)-1])

	snap := a.Snapshot()
	assert.NotContains(t, snap.Instances, "u1")
}

func TestInvalidGoalTransitionRejected(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)
	submitAndAwait(t, a, "req-add", command.AddInstance{UUID: "u1", Ref: ref})
	submitAndAwait(t, a, "req-stop", command.UpdateInstanceGoal{UUID: "u1", Goal: types.GoalDecommissioned})

	effs := submitAndAwait(t, a, "req-back", command.UpdateInstanceGoal{UUID: "u1", Goal: types.GoalRunning})
	fail, ok := effs[len(effs)-1].(command.CommandFailure)
	require.True(t, ok)
	assert.Equal(t, command.RejectionInvalidGoalTransition, fail.Rejection.Kind)
}

func TestLeadershipLossDrainsQueuedCommandsWithFailure(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)

	effs := submitAndAwait(t, a, "req-1", command.AddInstance{UUID: "u1", Ref: ref})
	require.IsType(t, command.CommandAccepted{}, effs[len(effs)-1])

	// Submit LeadershipLost ahead of two more commands so FIFO draining
	// fails them before they are ever reduced.
	require.NoError(t, a.Submit(command.LeadershipLost{}))
	require.NoError(t, a.Submit(command.CommandRequest{RequestID: "req-2", Command: command.AddInstance{UUID: "u2", Ref: ref}}))
	require.NoError(t, a.Submit(command.CommandRequest{RequestID: "req-3", Command: command.AddInstance{UUID: "u3", Ref: ref}}))

	seen := map[string]command.RejectionKind{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case eff := <-a.Effects():
			if f, ok := eff.(command.CommandFailure); ok {
				seen[f.RequestID] = f.Rejection.Kind
			}
		case <-deadline:
			t.Fatalf("timed out waiting for drained failures, got %v", seen)
		}
	}

	assert.Equal(t, command.RejectionLeadershipLost, seen["req-2"])
	assert.Equal(t, command.RejectionLeadershipLost, seen["req-3"])
	assert.False(t, a.IsLeading())
}

func TestPutRunSpecIsIdempotent(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}

	effs1 := submitAndAwait(t, a, "put-1", command.PutRunSpec{RunSpec: types.RunSpec{Ref: ref, DesiredCount: 1}})
	require.IsType(t, command.CommandAccepted{}, effs1[len(effs1)-1])

	effs2 := submitAndAwait(t, a, "put-2", command.PutRunSpec{RunSpec: types.RunSpec{Ref: ref, DesiredCount: 3}})
	require.IsType(t, command.CommandAccepted{}, effs2[len(effs2)-1])

	snap := a.Snapshot()
	require.Contains(t, snap.RunSpecs, ref)
	assert.Equal(t, 3, snap.RunSpecs[ref].DesiredCount)
}

func TestIncarnationNeverDecreases(t *testing.T) {
	a := newTestAuthority(t)
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	putRef(t, a, ref)
	submitAndAwait(t, a, "req-add", command.AddInstance{UUID: "u1", Ref: ref})

	first := a.Snapshot().Instances["u1"].Incarnation
	assert.Equal(t, 1, first)

	// A second AddInstance with the same UUID is rejected outright; the
	// only legitimate way to see a higher incarnation is a broker-driven
	// relaunch, which this package's reduction rules never decrease.
	effs := submitAndAwait(t, a, "req-dup", command.AddInstance{UUID: "u1", Ref: ref})
	fail, ok := effs[len(effs)-1].(command.CommandFailure)
	require.True(t, ok)
	assert.Equal(t, command.RejectionDuplicateInstance, fail.Rejection.Kind)
	assert.Equal(t, first, a.Snapshot().Instances["u1"].Incarnation)
}
