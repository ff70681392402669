// Package crash implements the Crash Strategy (spec.md §4.8): a
// two-level escalation between transient, pipeline-continuing failures
// and terminal, process-ending ones. Modeled on pkg/manager/manager.go's
// Shutdown ordering (stop subsystems, then exit) inverted for the
// terminal path, where spec.md explicitly forbids synchronous cleanup to
// avoid deadlocking with runtime shutdown hooks — the same constraint the
// teacher's design notes describe for the source's JVM asyncExit pattern.
package crash

import (
	"time"

	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/rs/zerolog"
)

// NotifyFunc publishes a notification (event type and message) to
// observers; cmd/aegis wires it straight to the event bus.
type NotifyFunc func(eventType, message string)

// ReleaseFunc releases leadership (pkg/leadership.Gate.Release).
type ReleaseFunc func()

// ExitFunc performs the platform exit primitive; overridable in tests so
// a terminal escalation doesn't kill the test binary.
type ExitFunc func(code int)

// Strategy holds the callbacks the authority wires in at startup. It has
// no knowledge of the authority, journal, or leadership gate types
// themselves — only these narrow function handles (spec.md §9: "break
// with message passing... no direct handles are held across components").
type Strategy struct {
	notify  NotifyFunc
	release ReleaseFunc
	exit    ExitFunc
	delay   time.Duration
	logger  zerolog.Logger
}

// New constructs a Strategy. exit defaults to a no-op if nil is passed
// (useful for tests that only want to observe the notify/release calls).
func New(notify NotifyFunc, release ReleaseFunc, exit ExitFunc) *Strategy {
	return &Strategy{
		notify:  notify,
		release: release,
		exit:    exit,
		delay:   200 * time.Millisecond,
		logger:  log.WithComponent("crash"),
	}
}

// Transient records a non-fatal, command-level failure (persistence or
// broker error already surfaced as a CommandFailure). The pipeline keeps
// running; this only logs for observability.
func (s *Strategy) Transient(err error) {
	s.logger.Warn().Err(err).Msg("transient failure; pipeline continues")
}

// Terminal escalates an unrecoverable failure: invariant violation,
// journal corruption, or loss of framework registration with
// removeFrameworkId=true. It submits a final Notify{SchedulerDisconnected},
// releases leadership, and triggers asynchronous process exit. No
// synchronous cleanup runs on this path.
func (s *Strategy) Terminal(err error) {
	s.logger.Error().Err(err).Msg("terminal failure; escalating crash strategy")

	if s.notify != nil {
		s.notify("scheduler.disconnected", err.Error())
	}
	if s.release != nil {
		s.release()
	}
	if s.exit != nil {
		go func() {
			time.Sleep(s.delay)
			s.exit(137)
		}()
	}
}
