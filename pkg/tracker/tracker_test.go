package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []command.Event
}

func (r *recordingSubmitter) Submit(ev command.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, ev)
	return nil
}

func (r *recordingSubmitter) events() []command.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Event(nil), r.submitted...)
}

type fakeSource struct{ snap *types.Snapshot }

func (f fakeSource) Snapshot() *types.Snapshot { return f.snap }

func TestDebounceCoalescesBurstToLatest(t *testing.T) {
	sub := &recordingSubmitter{}
	tr := New(sub, fakeSource{types.Empty()}, 20*time.Millisecond)

	tr.OnStatusUpdate(command.StatusUpdate{UUID: "u1", Condition: types.ConditionProvisioned, Timestamp: 1})
	tr.OnStatusUpdate(command.StatusUpdate{UUID: "u1", Condition: types.ConditionStaging, Timestamp: 2})
	tr.OnStatusUpdate(command.StatusUpdate{UUID: "u1", Condition: types.ConditionRunning, Timestamp: 3})

	require.Eventually(t, func() bool { return len(sub.events()) == 1 }, time.Second, 5*time.Millisecond)

	got := sub.events()[0].(command.StatusUpdate)
	assert.Equal(t, types.ConditionRunning, got.Condition)
}

func TestDebounceForwardsSeparateBursts(t *testing.T) {
	sub := &recordingSubmitter{}
	tr := New(sub, fakeSource{types.Empty()}, 10*time.Millisecond)

	tr.OnStatusUpdate(command.StatusUpdate{UUID: "u1", Condition: types.ConditionProvisioned, Timestamp: 1})
	require.Eventually(t, func() bool { return len(sub.events()) == 1 }, time.Second, 5*time.Millisecond)

	tr.OnStatusUpdate(command.StatusUpdate{UUID: "u1", Condition: types.ConditionRunning, Timestamp: 2})
	require.Eventually(t, func() bool { return len(sub.events()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestReconcileMarksUnknownInstancesGone(t *testing.T) {
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	snap := types.Empty()
	snap.RunSpecs[ref] = &types.RunSpec{Ref: ref}
	snap.Instances["u1"] = &types.Instance{UUID: "u1", Ref: ref, Incarnation: 1, Condition: types.ConditionRunning}
	snap.Instances["u2"] = &types.Instance{UUID: "u2", Ref: ref, Incarnation: 1, Condition: types.ConditionRunning}

	sub := &recordingSubmitter{}
	tr := New(sub, fakeSource{snap}, time.Second)

	tr.Reconcile(context.Background(), func(taskID string) bool {
		return taskID == "u1/1" // only u1 still known to the broker
	})

	events := sub.events()
	require.Len(t, events, 1)
	su := events[0].(command.StatusUpdate)
	assert.Equal(t, "u2", su.UUID)
	assert.Equal(t, types.ConditionGone, su.Condition)
}

func TestKillOrphanReturnsKillTaskEffect(t *testing.T) {
	tr := New(&recordingSubmitter{}, fakeSource{types.Empty()}, time.Second)
	eff := tr.KillOrphan("ghost-task")
	kt, ok := eff.(command.KillTask)
	require.True(t, ok)
	assert.Equal(t, "ghost-task", kt.TaskID)
}
