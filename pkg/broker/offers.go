package broker

import (
	"context"
	"time"

	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/reconciler"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultOfferInterval is how often the offer source advertises this
// agent's spare capacity absent an override.
const DefaultOfferInterval = 5 * time.Second

// OfferHandler is the minimal reconciler interface the offer source needs.
// Satisfied by *reconciler.Reconciler; the dependency runs one way — the
// reconciler never imports pkg/broker — so this package can depend on
// pkg/reconciler's Offer type directly without a cycle.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer reconciler.Offer)
}

// Capacity is this agent's total offerable footprint.
type Capacity struct {
	AgentID string
	types.ResourceRequirements
}

// Allocated is the minimal authority-snapshot interface the offer source
// needs to subtract capacity already committed to this agent.
type Allocated interface {
	AllocatedOn(agentID string) types.ResourceRequirements
}

// OfferSource periodically advertises this agent's spare containerd
// capacity to the Offer Reconciler, standing in for the resourceOffers
// callback spec.md §4.5 expects from a Mesos-style broker — containerd has
// no such push API of its own, so the adapter has to originate offers
// itself.
//
// Grounded on pkg/scheduler/scheduler.go's run() ticker loop (NewTicker,
// select on ticker.C/stopCh), adapted from a push-placement model
// (scheduler assigns containers to nodes directly) into a push-offer
// model: here the tick only advertises capacity, and the reconciler
// decides placement exactly as it does for any other offer source.
type OfferSource struct {
	capacity Capacity
	interval time.Duration
	source   Allocated
	handler  OfferHandler
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewOfferSource constructs an OfferSource. interval of 0 uses
// DefaultOfferInterval.
func NewOfferSource(capacity Capacity, source Allocated, handler OfferHandler, interval time.Duration) *OfferSource {
	if interval <= 0 {
		interval = DefaultOfferInterval
	}
	return &OfferSource{
		capacity: capacity,
		interval: interval,
		source:   source,
		handler:  handler,
		logger:   log.WithComponent("broker.offers"),
		stopCh:   make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled, presenting one offer per tick for
// whatever capacity isn't already committed to this agent's running
// instances.
func (o *OfferSource) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.tick(ctx)
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		}
	}
}

// Stop ends the offer loop; Run also exits on ctx cancellation, so callers
// that already manage a shared context don't need to call Stop.
func (o *OfferSource) Stop() { close(o.stopCh) }

func (o *OfferSource) tick(ctx context.Context) {
	committed := o.source.AllocatedOn(o.capacity.AgentID)
	remaining := types.ResourceRequirements{
		CPUs: o.capacity.CPUs - committed.CPUs,
		Mem:  o.capacity.Mem - committed.Mem,
		Disk: o.capacity.Disk - committed.Disk,
	}
	if remaining.CPUs <= 0 && remaining.Mem <= 0 && remaining.Disk <= 0 {
		return
	}

	log.WithAgent(o.capacity.AgentID).Debug().Float64("cpus", remaining.CPUs).Int64("mem", remaining.Mem).Msg("advertising capacity")
	o.handler.HandleOffer(ctx, reconciler.Offer{
		OfferID:   uuid.NewString(),
		AgentID:   o.capacity.AgentID,
		Resources: remaining,
	})
}
