// Package reconciler implements the Offer Reconciler (spec.md §4.5): it
// matches broker resource offers against Scheduled+goal=Running instances
// using deterministic first-fit bin-packing, and submits the resulting
// placement decision back to the authority as a ReservePlacements command.
//
// The shape is grounded on pkg/scheduler/scheduler.go's node-selection
// loop: the teacher ticks on a timer and calls selectNode to round-robin
// by container count. Here the trigger is event-driven (an incoming
// resourceOffers callback, not a ticker — spec.md §4.5 requires reacting
// to offers, not polling for them) and the selection policy is
// capacity-fit bin-packing instead of round-robin, but the overall
// "snapshot in, pick candidates, submit back through the owner" structure
// is the same.
package reconciler

import (
	"context"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/metrics"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRefuseSeconds is the decline-offer filter duration used when no
// override is configured (spec.md §4.5).
const DefaultRefuseSeconds = 5.0

// Offer is a single resource offer from the broker.
type Offer struct {
	OfferID   string
	AgentID   string
	Resources types.ResourceRequirements
}

// SnapshotSource is the minimal read interface the reconciler needs from
// the authority.
type SnapshotSource interface {
	Snapshot() *types.Snapshot
}

// Submitter is the minimal write interface the reconciler needs from the
// authority — decoupled from *authority.Authority so this package never
// imports it directly (the dependency runs the other way: the authority
// is constructed first, the reconciler only holds this narrow interface).
type Submitter interface {
	Submit(ev command.Event) error
}

// Reconciler matches offers against scheduled candidates and submits
// ReservePlacements/ReleasePlacement commands. It emits AcceptOffer or
// DeclineOffer for the broker adapter to act on.
type Reconciler struct {
	source        SnapshotSource
	submitter     Submitter
	effects       chan command.Effect
	refuseSeconds float64
	logger        zerolog.Logger
}

// New constructs a Reconciler. refuseSeconds of 0 uses DefaultRefuseSeconds.
func New(source SnapshotSource, submitter Submitter, refuseSeconds float64) *Reconciler {
	if refuseSeconds <= 0 {
		refuseSeconds = DefaultRefuseSeconds
	}
	return &Reconciler{
		source:        source,
		submitter:     submitter,
		effects:       make(chan command.Effect, 64),
		refuseSeconds: refuseSeconds,
		logger:        log.WithComponent("reconciler"),
	}
}

// Effects returns the channel the broker adapter reads Accept/DeclineOffer
// effects from.
func (r *Reconciler) Effects() <-chan command.Effect { return r.effects }

// HandleOffer runs one deterministic matching cycle for a single offer:
// first-fit, oldest-first over ScheduledCandidates. Safe to call
// concurrently for distinct offers; each call only reads the current
// snapshot and submits at most one command.
func (r *Reconciler) HandleOffer(ctx context.Context, offer Offer) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	snap := r.source.Snapshot()
	remaining := offer.Resources
	var picked []string

	for _, inst := range snap.ScheduledCandidates() {
		rs, ok := snap.RunSpecs[inst.Ref]
		if !ok {
			continue
		}
		if !fits(rs.Resources, remaining) {
			continue
		}
		remaining.CPUs -= rs.Resources.CPUs
		remaining.Mem -= rs.Resources.Mem
		remaining.Disk -= rs.Resources.Disk
		picked = append(picked, inst.UUID)
	}

	if len(picked) == 0 {
		r.emit(command.DeclineOffer{OfferID: offer.OfferID, RefuseSeconds: r.refuseSeconds})
		metrics.OffersDeclinedTotal.Inc()
		return
	}

	if err := r.submitter.Submit(command.CommandRequest{
		RequestID: uuid.NewString(),
		Command: command.ReservePlacements{
			OfferID: offer.OfferID,
			AgentID: offer.AgentID,
			UUIDs:   picked,
		},
	}); err != nil {
		r.logger.Warn().Err(err).Str("offer_id", offer.OfferID).Msg("failed to submit ReservePlacements; declining offer")
		r.emit(command.DeclineOffer{OfferID: offer.OfferID, RefuseSeconds: r.refuseSeconds})
		metrics.OffersDeclinedTotal.Inc()
		return
	}

	r.emit(command.AcceptOffer{OfferID: offer.OfferID, RefuseSeconds: 0})
	metrics.OffersAcceptedTotal.Inc()
}

// Release rolls back a reservation when the broker's accept-offer call is
// itself refused downstream (e.g. the agent disappeared between the offer
// and the accept). It re-submits through the authority so the affected
// instances become schedulable again on the next cycle.
func (r *Reconciler) Release(offerID string, uuids []string) error {
	return r.submitter.Submit(command.CommandRequest{
		RequestID: uuid.NewString(),
		Command:   command.ReleasePlacement{OfferID: offerID, UUIDs: uuids},
	})
}

func fits(need types.ResourceRequirements, have types.ResourceRequirements) bool {
	return need.CPUs <= have.CPUs && need.Mem <= have.Mem && need.Disk <= have.Disk
}

func (r *Reconciler) emit(eff command.Effect) {
	select {
	case r.effects <- eff:
	default:
		r.logger.Warn().Msg("reconciler effect channel full; applying backpressure")
		r.effects <- eff
	}
}
