package reconciler

import (
	"context"
	"testing"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ snap *types.Snapshot }

func (f fakeSource) Snapshot() *types.Snapshot { return f.snap }

type fakeSubmitter struct {
	submitted []command.Event
	err       error
}

func (f *fakeSubmitter) Submit(ev command.Event) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, ev)
	return nil
}

func snapWithCandidates(specs ...struct {
	ref      types.RunSpecRef
	uuid     string
	cpus     float64
	mem      int64
	createdAt int64
}) *types.Snapshot {
	snap := types.Empty()
	for _, s := range specs {
		snap.RunSpecs[s.ref] = &types.RunSpec{Ref: s.ref, Resources: types.ResourceRequirements{CPUs: s.cpus, Mem: s.mem}}
		snap.Instances[s.uuid] = &types.Instance{
			UUID:      s.uuid,
			Ref:       s.ref,
			Goal:      types.GoalRunning,
			Condition: types.ConditionScheduled,
			CreatedAt: s.createdAt,
		}
	}
	return snap
}

func TestHandleOfferAcceptsWhenCapacityFits(t *testing.T) {
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	snap := snapWithCandidates(struct {
		ref       types.RunSpecRef
		uuid      string
		cpus      float64
		mem       int64
		createdAt int64
	}{ref, "u1", 1.0, 512, 1})

	sub := &fakeSubmitter{}
	r := New(fakeSource{snap}, sub, 0)

	r.HandleOffer(context.Background(), Offer{OfferID: "offer-1", AgentID: "agent-1", Resources: types.ResourceRequirements{CPUs: 2.0, Mem: 1024}})

	require.Len(t, sub.submitted, 1)
	cr := sub.submitted[0].(command.CommandRequest)
	rp := cr.Command.(command.ReservePlacements)
	assert.Equal(t, []string{"u1"}, rp.UUIDs)
	assert.Equal(t, "agent-1", rp.AgentID)

	eff := <-r.Effects()
	assert.IsType(t, command.AcceptOffer{}, eff)
}

func TestHandleOfferDeclinesWhenNothingFits(t *testing.T) {
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	snap := snapWithCandidates(struct {
		ref       types.RunSpecRef
		uuid      string
		cpus      float64
		mem       int64
		createdAt int64
	}{ref, "u1", 4.0, 4096, 1})

	sub := &fakeSubmitter{}
	r := New(fakeSource{snap}, sub, 0)

	r.HandleOffer(context.Background(), Offer{OfferID: "offer-1", AgentID: "agent-1", Resources: types.ResourceRequirements{CPUs: 1.0, Mem: 512}})

	assert.Empty(t, sub.submitted)
	eff := <-r.Effects()
	decline, ok := eff.(command.DeclineOffer)
	require.True(t, ok)
	assert.Equal(t, DefaultRefuseSeconds, decline.RefuseSeconds)
}

func TestHandleOfferPicksOldestFirst(t *testing.T) {
	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	snap := types.Empty()
	snap.RunSpecs[ref] = &types.RunSpec{Ref: ref, Resources: types.ResourceRequirements{CPUs: 1.0, Mem: 256}}
	snap.Instances["newer"] = &types.Instance{UUID: "newer", Ref: ref, Goal: types.GoalRunning, Condition: types.ConditionScheduled, CreatedAt: 10}
	snap.Instances["older"] = &types.Instance{UUID: "older", Ref: ref, Goal: types.GoalRunning, Condition: types.ConditionScheduled, CreatedAt: 1}

	sub := &fakeSubmitter{}
	r := New(fakeSource{snap}, sub, 0)

	// Only enough capacity for one instance: the older one must win.
	r.HandleOffer(context.Background(), Offer{OfferID: "offer-1", AgentID: "agent-1", Resources: types.ResourceRequirements{CPUs: 1.0, Mem: 256}})

	require.Len(t, sub.submitted, 1)
	rp := sub.submitted[0].(command.CommandRequest).Command.(command.ReservePlacements)
	assert.Equal(t, []string{"older"}, rp.UUIDs)
}

func TestReleaseSubmitsReleasePlacement(t *testing.T) {
	sub := &fakeSubmitter{}
	r := New(fakeSource{types.Empty()}, sub, 0)

	require.NoError(t, r.Release("offer-1", []string{"u1", "u2"}))

	require.Len(t, sub.submitted, 1)
	rel := sub.submitted[0].(command.CommandRequest).Command.(command.ReleasePlacement)
	assert.Equal(t, "offer-1", rel.OfferID)
	assert.Equal(t, []string{"u1", "u2"}, rel.UUIDs)
}
