// Package broker implements the concrete Broker Adapter (spec.md §6) over
// containerd and the OCI runtime-spec: LaunchTask/KillTask effects become
// containerd task create/start/kill calls, and task exit is polled back
// into StatusUpdate events for the Instance Tracker.
//
// Grounded on pkg/runtime/containerd.go's client construction (namespaced
// context, oci.SpecOpts for resource limits, cio.NullIO task creation,
// SIGTERM-then-SIGKILL graceful stop with a timeout) — generalized from
// Warren's Container/ContainerState domain to Instance/Condition, and
// from a push-style (caller polls GetContainerStatus) into a
// pull-and-translate adapter that feeds the Instance Tracker.
package broker

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/metrics"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace aegis tasks run under.
	DefaultNamespace = "aegis"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultStopTimeout bounds how long a KillTask waits for SIGTERM to
	// take effect before escalating to SIGKILL.
	DefaultStopTimeout = 10 * time.Second
)

// StatusSink receives translated broker status callbacks — normally
// pkg/tracker.Tracker.OnStatusUpdate.
type StatusSink interface {
	OnStatusUpdate(su command.StatusUpdate)
}

// Adapter drives containerd in response to authority effects and
// translates observed task exits back into StatusUpdate events.
type Adapter struct {
	client      *containerd.Client
	namespace   string
	stopTimeout time.Duration
	sink        StatusSink
	logger      zerolog.Logger
}

// New connects to containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string, sink StatusSink) (*Adapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Adapter{
		client:      client,
		namespace:   DefaultNamespace,
		stopTimeout: DefaultStopTimeout,
		sink:        sink,
		logger:      log.WithComponent("broker"),
	}, nil
}

// Close releases the containerd client.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Apply drives one effect to completion, reporting any resulting
// condition change through the status sink. Only LaunchTask and KillTask
// require broker interaction; all other effect types are no-ops here.
func (a *Adapter) Apply(ctx context.Context, eff command.Effect) {
	switch e := eff.(type) {
	case command.LaunchTask:
		a.launch(ctx, e)
	case command.KillTask:
		a.kill(ctx, e)
	}
}

func (a *Adapter) launch(ctx context.Context, lt command.LaunchTask) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskLaunchDuration)

	ctx = namespaces.WithNamespace(ctx, a.namespace)
	logger := log.WithInstance(lt.UUID)

	image, err := a.client.GetImage(ctx, imageRef(lt))
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve image; pulling")
		image, err = a.client.Pull(ctx, imageRef(lt), containerd.WithPullUnpack)
		if err != nil {
			a.reportFailure(lt.UUID, fmt.Errorf("pull image: %w", err))
			return
		}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if len(lt.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(lt.Command...))
	}
	if lt.Resources.CPUs > 0 {
		shares := uint64(lt.Resources.CPUs * 1024)
		quota := int64(lt.Resources.CPUs * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if lt.Resources.Mem > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(lt.Resources.Mem)))
	}

	container, err := a.client.NewContainer(ctx, lt.TaskID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(lt.TaskID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		a.reportFailure(lt.UUID, fmt.Errorf("create container: %w", err))
		return
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		a.reportFailure(lt.UUID, fmt.Errorf("create task: %w", err))
		return
	}
	if err := task.Start(ctx); err != nil {
		a.reportFailure(lt.UUID, fmt.Errorf("start task: %w", err))
		return
	}

	metrics.TasksLaunchedTotal.Inc()
	a.sink.OnStatusUpdate(command.StatusUpdate{UUID: lt.UUID, Condition: types.ConditionStaging, AgentID: lt.AgentID, Timestamp: nowMillis()})

	go a.watch(context.Background(), lt.UUID, task)
}

// watch blocks on the task's exit channel and reports the corresponding
// terminal condition — Finished on a zero exit code, Failed otherwise.
func (a *Adapter) watch(ctx context.Context, uuid string, task containerd.Task) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	statusC, err := task.Wait(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("uuid", uuid).Msg("failed to wait on task; reporting Gone")
		a.sink.OnStatusUpdate(command.StatusUpdate{UUID: uuid, Condition: types.ConditionGone, Timestamp: nowMillis()})
		return
	}

	a.sink.OnStatusUpdate(command.StatusUpdate{UUID: uuid, Condition: types.ConditionRunning, Timestamp: nowMillis()})

	status := <-statusC
	condition := types.ConditionFinished
	if status.ExitCode() != 0 {
		condition = types.ConditionFailed
	}
	a.sink.OnStatusUpdate(command.StatusUpdate{UUID: uuid, Condition: condition, Timestamp: nowMillis()})

	if _, err := task.Delete(ctx); err != nil {
		a.logger.Warn().Err(err).Str("uuid", uuid).Msg("failed to delete exited task")
	}
}

func (a *Adapter) kill(ctx context.Context, kt command.KillTask) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	logger := log.WithInstance(kt.UUID)

	container, err := a.client.LoadContainer(ctx, kt.TaskID)
	if err != nil {
		logger.Warn().Err(err).Msg("kill requested for unknown container; treating as already gone")
		a.sink.OnStatusUpdate(command.StatusUpdate{UUID: kt.UUID, Condition: types.ConditionGone, Timestamp: nowMillis()})
		return
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return
	}

	a.sink.OnStatusUpdate(command.StatusUpdate{UUID: kt.UUID, Condition: types.ConditionKilling, Timestamp: nowMillis()})

	stopCtx, cancel := context.WithTimeout(ctx, a.stopTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		logger.Warn().Err(err).Msg("SIGTERM failed")
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			logger.Error().Err(err).Msg("SIGKILL escalation failed")
		}
	}

	metrics.TasksKilledTotal.Inc()
	if _, err := task.Delete(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to delete killed task")
	}
}

func (a *Adapter) reportFailure(uuid string, err error) {
	a.logger.Error().Err(err).Str("uuid", uuid).Msg("launch failed")
	a.sink.OnStatusUpdate(command.StatusUpdate{UUID: uuid, Condition: types.ConditionFailed, Timestamp: nowMillis()})
}

// Known reports whether containerd still has a live task with the given
// id. Used by the Instance Tracker's bulk reconciliation (spec.md §4.6) to
// decide which non-terminal instances the broker has silently lost.
func (a *Adapter) Known(ctx context.Context, taskID string) bool {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	container, err := a.client.LoadContainer(ctx, taskID)
	if err != nil {
		return false
	}
	if _, err := container.Task(ctx, nil); err != nil {
		return false
	}
	return true
}

// ReapOrphans lists every task containerd currently runs in this namespace
// and kills any the state authority no longer tracks (spec.md §4.6: "orphan
// tasks are killed best-effort; failure to kill an orphan is not
// escalated"). tracked reports whether a task id still belongs to a
// tracked Instance; notify is called once per orphan found before it is
// killed, normally wired to pkg/tracker.Tracker.KillOrphan purely for its
// warning log — the kill itself happens here directly rather than
// round-tripping through the authority, since an orphan by definition has
// no tracked Instance to update.
func (a *Adapter) ReapOrphans(ctx context.Context, tracked KnownTask, notify func(taskID string)) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	containers, err := a.client.Containers(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to list containers for orphan sweep")
		return
	}
	for _, c := range containers {
		if tracked(c.ID()) {
			continue
		}
		notify(c.ID())
		a.killTaskByID(ctx, c.ID())
	}
}

func (a *Adapter) killTaskByID(ctx context.Context, taskID string) {
	container, err := a.client.LoadContainer(ctx, taskID)
	if err != nil {
		return
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return
	}
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to kill orphan task")
		return
	}
	if _, err := task.Delete(ctx); err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to delete orphan task")
	}
}

// KnownTask reports whether a broker task id still corresponds to an
// instance the state authority tracks.
type KnownTask func(taskID string) bool

// imageRef derives the OCI image reference for a task. RunSpec carries no
// dedicated image field in this spec's resource model, so the first
// command element is used — consistent with the teacher's command
// invocation convention of passing an image-qualified entrypoint.
func imageRef(lt command.LaunchTask) string {
	if len(lt.Command) > 0 {
		return lt.Command[0]
	}
	return lt.Ref.Path
}

func nowMillis() int64 { return time.Now().UnixMilli() }
