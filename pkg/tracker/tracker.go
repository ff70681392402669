// Package tracker implements the Instance Tracker (spec.md §4.6): it
// translates broker status callbacks into StatusUpdate events for the
// authority, debounces bursts of updates for the same instance, and runs
// bulk reconciliation against the broker's view whenever leadership is
// (re)acquired.
//
// Grounded on pkg/worker/worker.go's heartbeat/executor loop shape
// (ticker-driven polling that reports container state upstream) —
// generalized from a polling heartbeat into an event-driven translator
// that the broker adapter calls directly, with a debounce window added
// per spec.md §4.6's explicit requirement ("coalesce bursts of status
// updates for the same instance within a 100ms window").
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the per-UUID coalescing window spec.md §4.6
// prescribes.
const DefaultDebounce = 100 * time.Millisecond

// Submitter is the minimal authority interface the tracker needs.
type Submitter interface {
	Submit(ev command.Event) error
}

// SnapshotSource is the minimal authority interface used for bulk
// reconciliation on leadership acquisition.
type SnapshotSource interface {
	Snapshot() *types.Snapshot
}

// BrokerKnown reports whether the broker still knows about a given task
// id, used during bulk reconciliation to decide Gone vs leave-alone.
type BrokerKnown func(taskID string) bool

// Tracker coalesces and forwards broker status callbacks.
type Tracker struct {
	submitter Submitter
	source    SnapshotSource
	debounce  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingUpdate
}

type pendingUpdate struct {
	latest command.StatusUpdate
	timer  *time.Timer
}

// New constructs a Tracker. debounce of 0 uses DefaultDebounce.
func New(submitter Submitter, source SnapshotSource, debounce time.Duration) *Tracker {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Tracker{
		submitter: submitter,
		source:    source,
		debounce:  debounce,
		logger:    log.WithComponent("tracker"),
		pending:   make(map[string]*pendingUpdate),
	}
}

// OnStatusUpdate records a broker-observed condition change. Only the
// most recent update within the debounce window for a given UUID is
// actually submitted to the authority.
func (t *Tracker) OnStatusUpdate(su command.StatusUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[su.UUID]; ok {
		p.latest = su
		return
	}

	p := &pendingUpdate{latest: su}
	p.timer = time.AfterFunc(t.debounce, func() { t.flush(su.UUID) })
	t.pending[su.UUID] = p
}

func (t *Tracker) flush(uuid string) {
	t.mu.Lock()
	p, ok := t.pending[uuid]
	if ok {
		delete(t.pending, uuid)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if err := t.submitter.Submit(p.latest); err != nil {
		t.logger.Warn().Err(err).Str("uuid", uuid).Msg("failed to submit debounced status update")
	}
}

// Reconcile runs bulk reconciliation against the broker's live task set:
// every non-terminal instance the broker no longer knows about is marked
// Gone. Called once per leadership acquisition (spec.md §4.6).
func (t *Tracker) Reconcile(ctx context.Context, known BrokerKnown) {
	snap := t.source.Snapshot()
	for _, inst := range snap.NonTerminalInstances() {
		if known(inst.TaskID()) {
			continue
		}
		if err := t.submitter.Submit(command.StatusUpdate{
			UUID:      inst.UUID,
			Condition: types.ConditionGone,
			Timestamp: nowMillis(),
		}); err != nil {
			t.logger.Warn().Err(err).Str("uuid", inst.UUID).Msg("failed to submit bulk-reconciliation Gone update")
		}
	}
}

// KillOrphan is called when the broker reports a task id with no
// corresponding tracked instance. It logs a warning and returns a
// best-effort KillTask effect for that task id; it does not kill the task
// itself or submit anything to the authority.
func (t *Tracker) KillOrphan(taskID string) command.Effect {
	t.logger.Warn().Str("task_id", taskID).Msg("killing orphan task with no tracked instance")
	return command.KillTask{TaskID: taskID}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
