// Package authority implements the State Authority (spec.md §4.3): the
// single-writer reducer pipeline that is the only component permitted to
// mutate cluster state. It reads command.Event values off one bounded
// queue, applies a pure reduction, durably persists the resulting delta
// before publishing it, and emits an ordered sequence of effects.
//
// The design generalizes pkg/manager/fsm.go's raft-FSM Apply loop: that
// code reduced a single stringly-typed Command envelope against an
// in-memory ClusterState guarded by one mutex. Here the same "one
// goroutine, one pure reduction, one published snapshot" shape is kept,
// but the envelope becomes the typed command.Command algebra and the
// durability step is a journal.Append rather than a raft log entry.
package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/crash"
	"github.com/forgeorbit/aegis/pkg/journal"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/metrics"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultQueueCapacity is the bounded input queue size spec.md §4.3
// prescribes absent operator override.
const DefaultQueueCapacity = 1024

// Config controls queue sizing and, for tests, the clock.
type Config struct {
	QueueCapacity int
	Now           func() int64
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

// Authority is the State Authority Pipeline. Exactly one goroutine must
// call Run; all other interaction happens via Submit and Effects.
type Authority struct {
	cfg     Config
	logger  zerolog.Logger
	journal *journal.Journal
	crash   *crash.Strategy

	queue   chan command.Event
	effects chan command.Effect

	mu       sync.RWMutex
	snapshot *types.Snapshot
	leading  bool
}

// New constructs an Authority. The journal and crash strategy must already
// be wired; New does not replay — that only happens on LeadershipAcquired
// (spec.md §4.7: "the new leader replays the journal before accepting
// writes").
func New(j *journal.Journal, cs *crash.Strategy, cfg Config) *Authority {
	cfg.setDefaults()
	return &Authority{
		cfg:      cfg,
		logger:   log.WithComponent("authority"),
		journal:  j,
		crash:    cs,
		queue:    make(chan command.Event, cfg.QueueCapacity),
		effects:  make(chan command.Effect, cfg.QueueCapacity),
		snapshot: types.Empty(),
	}
}

// Effects returns the channel effect consumers read from. It is closed
// once Run returns.
func (a *Authority) Effects() <-chan command.Effect { return a.effects }

// Snapshot returns the most recently published snapshot. Readers never
// observe a tentative, not-yet-durable snapshot.
func (a *Authority) Snapshot() *types.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// AllocatedOn reports the resource footprint already committed to agentID,
// satisfying pkg/broker.Allocated for the offer source's capacity
// accounting (spec.md §4.5).
func (a *Authority) AllocatedOn(agentID string) types.ResourceRequirements {
	return a.Snapshot().AllocatedOn(agentID)
}

// IsLeading reports whether the pipeline is currently accepting and
// applying commands.
func (a *Authority) IsLeading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.leading
}

// Submit enqueues an input event. It fails fast with an error when the
// bounded queue is full — no input is silently dropped or blocked on
// (spec.md §4.3, overflow policy "fail").
func (a *Authority) Submit(ev command.Event) error {
	select {
	case a.queue <- ev:
		metrics.QueueDepth.Set(float64(len(a.queue)))
		return nil
	default:
		return fmt.Errorf("authority input queue full: %s", command.RejectionQueueFull)
	}
}

// Run processes events strictly in arrival order until ctx is cancelled or
// a Shutdown event is processed. Call it from exactly one goroutine.
func (a *Authority) Run(ctx context.Context) {
	defer close(a.effects)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			metrics.QueueDepth.Set(float64(len(a.queue)))
			if a.handle(ev) {
				return
			}
		}
	}
}

func (a *Authority) handle(ev command.Event) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("reducer panic; escalating to crash strategy")
			a.crash.Terminal(fmt.Errorf("reducer panic: %v", r))
			stop = true
		}
	}()

	switch e := ev.(type) {
	case command.LeadershipAcquired:
		a.onLeadershipAcquired()
	case command.LeadershipLost:
		a.onLeadershipLost()
	case command.Shutdown:
		return true
	case command.CommandRequest:
		a.handleCommandRequest(e)
	case command.StatusUpdate:
		a.handleStatusUpdate(e)
	case command.FrameworkRegistered:
		a.handleFrameworkRegistered(e)
	case command.FrameworkReregistered:
		a.handleFrameworkReregistered(e)
	default:
		a.logger.Warn().Type("event", ev).Msg("unhandled input event type")
	}
	return false
}

func (a *Authority) onLeadershipAcquired() {
	snap, err := a.journal.Replay()
	if err != nil {
		a.crash.Terminal(fmt.Errorf("journal replay on leadership acquisition failed: %w", err))
		return
	}

	a.mu.Lock()
	a.snapshot = snap
	a.leading = true
	a.mu.Unlock()

	a.emit(command.Notify{EventType: "leader.elected", Message: "leadership acquired; pipeline active"})
}

// onLeadershipLost flips the pipeline inactive and drains whatever is
// still sitting in the queue, failing any CommandRequest found there with
// LeadershipLost rather than silently dropping it (spec.md §4.7).
func (a *Authority) onLeadershipLost() {
	a.mu.Lock()
	a.leading = false
	a.mu.Unlock()

	a.emit(command.Notify{EventType: "leader.lost", Message: "leadership lost; pipeline inactive"})

	for {
		select {
		case ev := <-a.queue:
			if cr, ok := ev.(command.CommandRequest); ok {
				a.emit(command.CommandFailure{
					RequestID: cr.RequestID,
					Rejection: command.Rejection{Kind: command.RejectionLeadershipLost, Reason: "leadership lost before command was applied"},
				})
			}
		default:
			return
		}
	}
}

func (a *Authority) handleCommandRequest(cr command.CommandRequest) {
	a.mu.RLock()
	leading := a.leading
	snap := a.snapshot
	a.mu.RUnlock()

	if !leading {
		a.emit(command.CommandFailure{RequestID: cr.RequestID, Rejection: command.Rejection{Kind: command.RejectionLeadershipLost, Reason: "not leading"}})
		return
	}

	next := snap.Clone()
	delta, effects, rejection := a.reduce(next, cr.Command)
	if rejection != nil {
		metrics.RejectionsTotal.WithLabelValues(string(rejection.Kind)).Inc()
		a.emit(command.CommandFailure{RequestID: cr.RequestID, Rejection: *rejection})
		return
	}

	if err := next.CheckInvariants(); err != nil {
		a.crash.Terminal(fmt.Errorf("invariant violated reducing %T: %w", cr.Command, err))
		return
	}

	if _, err := a.journal.Append(uuid.NewString(), delta); err != nil {
		a.crash.Transient(fmt.Errorf("persist command %T: %w", cr.Command, err))
		a.emit(command.CommandFailure{RequestID: cr.RequestID, Rejection: command.Rejection{Kind: command.RejectionPersistenceUnavailable, Reason: err.Error()}})
		return
	}

	a.mu.Lock()
	a.snapshot = next
	a.mu.Unlock()

	metrics.CommandsAcceptedTotal.Inc()
	for _, eff := range effects {
		a.emit(eff)
	}
	a.emit(command.CommandAccepted{RequestID: cr.RequestID})
}

// handleStatusUpdate applies a broker-observed condition change. Unlike
// CommandRequest it has no requester to fail back to: unreachable
// transitions are logged and ignored rather than escalated, since a
// stale or duplicate status update from the broker is expected traffic,
// not a protocol violation.
func (a *Authority) handleStatusUpdate(su command.StatusUpdate) {
	a.mu.RLock()
	leading := a.leading
	snap := a.snapshot
	a.mu.RUnlock()
	if !leading {
		return
	}

	inst, ok := snap.Instances[su.UUID]
	if !ok {
		a.emit(command.Notify{
			EventType: "instance.unknown",
			Message:   fmt.Sprintf("status update for untracked instance %s", su.UUID),
			Metadata:  map[string]string{"uuid": su.UUID},
		})
		a.emit(command.KillTask{UUID: su.UUID, TaskID: su.UUID})
		return
	}

	if !types.ReachableCondition(inst.Condition, su.Condition) {
		a.logger.Warn().
			Str("uuid", su.UUID).
			Str("from", string(inst.Condition)).
			Str("to", string(su.Condition)).
			Msg("unreachable condition transition ignored")
		return
	}

	next := snap.Clone()
	ni := next.Instances[su.UUID]
	ni.Condition = su.Condition
	if su.AgentID != "" {
		ni.AgentID = su.AgentID
	}
	ni.LastStatusUpdate = su.Timestamp

	// A terminal instance whose goal is still Running is rescheduled in
	// place: bump the incarnation, reset condition to Scheduled and clear
	// the agent, so the next offer cycle's ScheduledCandidates() picks it
	// up as a fresh placement (spec.md §4.3: "the next reconciliation
	// iteration will schedule a replacement instance with
	// incarnation+1"). TaskID() embeds the incarnation, so the broker
	// sees this as a distinct task from the one that just terminated.
	replacementIncarnation := 0
	if su.Condition.Terminal() && ni.Goal == types.GoalRunning {
		replacementIncarnation = ni.Incarnation + 1
		ni.Incarnation = replacementIncarnation
		ni.Condition = types.ConditionScheduled
		ni.AgentID = ""
		ni.CreatedAt = su.Timestamp
	}

	if err := next.CheckInvariants(); err != nil {
		a.crash.Terminal(fmt.Errorf("invariant violated applying status update: %w", err))
		return
	}

	delta := command.SnapshotDelta{PutInstances: []types.Instance{*ni}}
	if _, err := a.journal.Append(uuid.NewString(), delta); err != nil {
		a.crash.Transient(fmt.Errorf("persist status update for %s: %w", su.UUID, err))
		return
	}

	a.mu.Lock()
	a.snapshot = next
	a.mu.Unlock()

	a.emit(command.Notify{EventType: "instance.changed", Message: fmt.Sprintf("instance %s -> %s", su.UUID, su.Condition)})

	if replacementIncarnation > 0 {
		a.emit(command.Notify{
			EventType: "instance.replacement-needed",
			Message:   fmt.Sprintf("instance %s terminal with goal=Running; rescheduled as incarnation %d", su.UUID, replacementIncarnation),
		})
	}
}

func (a *Authority) handleFrameworkRegistered(e command.FrameworkRegistered) {
	a.applyFrameworkDelta(types.FrameworkRegistration{FrameworkID: e.FrameworkID, LastMasterID: e.MasterID, Registered: true}, "framework.registered", e.FrameworkID)
}

func (a *Authority) handleFrameworkReregistered(e command.FrameworkReregistered) {
	a.mu.RLock()
	fw := a.snapshot.Framework
	a.mu.RUnlock()
	fw.LastMasterID = e.MasterID
	fw.Registered = true
	a.applyFrameworkDelta(fw, "framework.reregistered", e.MasterID)
}

func (a *Authority) applyFrameworkDelta(fw types.FrameworkRegistration, eventType, message string) {
	a.mu.RLock()
	leading := a.leading
	snap := a.snapshot
	a.mu.RUnlock()
	if !leading {
		return
	}

	next := snap.Clone()
	next.Framework = fw
	delta := command.SnapshotDelta{Framework: &fw}
	if _, err := a.journal.Append(uuid.NewString(), delta); err != nil {
		a.crash.Transient(fmt.Errorf("persist framework registration: %w", err))
		return
	}

	a.mu.Lock()
	a.snapshot = next
	a.mu.Unlock()

	a.emit(command.Notify{EventType: eventType, Message: message})
}

func (a *Authority) emit(eff command.Effect) {
	metrics.EffectsEmittedTotal.Inc()
	a.effects <- eff
}
