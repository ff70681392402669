// Command aegis is the State Authority's entrypoint: it wires the journal,
// authority, leadership gate, offer reconciler, instance tracker, and
// broker adapter into one running process and exposes a small cobra
// command surface to operate it.
//
// Grounded on cmd/warren/main.go's cobra root command + persistent flags +
// initLogging pattern, trimmed to the command surface this spec needs
// (run, bootstrap, join) — the teacher's service/node/secret/volume/
// ingress/certificate subcommands all talk to components with no
// SPEC_FULL.md equivalent (see DESIGN.md's deleted-packages ledger).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeorbit/aegis/pkg/authority"
	"github.com/forgeorbit/aegis/pkg/broker"
	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/config"
	"github.com/forgeorbit/aegis/pkg/crash"
	"github.com/forgeorbit/aegis/pkg/events"
	"github.com/forgeorbit/aegis/pkg/journal"
	"github.com/forgeorbit/aegis/pkg/leadership"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/metrics"
	"github.com/forgeorbit/aegis/pkg/reconciler"
	"github.com/forgeorbit/aegis/pkg/tracker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aegis",
	Short:   "Aegis - single-leader State Authority for broker-scheduled workloads",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Aegis version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("config", "", "Path to config file (optional; flags and defaults apply if absent)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./aegis-data", "Data directory for the journal")
	rootCmd.PersistentFlags().String("bind-addr", "127.0.0.1:7946", "Address for leadership-gate Raft communication")
	rootCmd.PersistentFlags().Bool("highly-available", false, "Use the Raft-backed leadership gate instead of single-process pseudo-leadership")
	rootCmd.PersistentFlags().Int("command-queue-capacity", authority.DefaultQueueCapacity, "Bounded input queue size")
	rootCmd.PersistentFlags().Float64("refuse-offer-seconds", reconciler.DefaultRefuseSeconds, "Decline-offer filter duration")
	rootCmd.PersistentFlags().String("containerd-socket", broker.DefaultSocketPath, "containerd socket path")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("data-dir"); cmd.Flags().Changed("data-dir") {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); cmd.Flags().Changed("bind-addr") {
		cfg.BindAddr = v
	}
	if v, _ := cmd.Flags().GetBool("highly-available"); cmd.Flags().Changed("highly-available") {
		cfg.HighlyAvailable = v
	}
	if v, _ := cmd.Flags().GetInt("command-queue-capacity"); cmd.Flags().Changed("command-queue-capacity") {
		cfg.CommandQueueCapacity = v
	}
	if v, _ := cmd.Flags().GetFloat64("refuse-offer-seconds"); cmd.Flags().Changed("refuse-offer-seconds") {
		cfg.RefuseOfferSeconds = v
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single-process Aegis node (pseudo-leader, no Raft quorum)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runNode(cmd, cfg, "single-node", "")
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Start the first node of a highly-available Aegis cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.HighlyAvailable = true
		nodeID, _ := cmd.Flags().GetString("node-id")
		return runNode(cmd, cfg, nodeID, "")
	},
}

var joinCmd = &cobra.Command{
	Use:   "join --leader ADDR",
	Short: "Join this node to an existing highly-available Aegis cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.HighlyAvailable = true
		nodeID, _ := cmd.Flags().GetString("node-id")
		return runNode(cmd, cfg, nodeID, leader)
	},
}

func init() {
	bootstrapCmd.Flags().String("node-id", "node-1", "Unique node ID")
	joinCmd.Flags().String("node-id", "node-2", "Unique node ID")
	joinCmd.Flags().String("leader", "", "Leader's bind address (required; selects join mode, the address is not contacted)")
}

// runNode wires and runs one Aegis process until an interrupt or crash
// escalation. leader == "" means bootstrap-or-single-node; non-empty
// starts the gate with leadership.Join, which does not contact leader: the
// node only enters the election group once the leader adds it with
// AddVoter.
func runNode(cmd *cobra.Command, cfg *config.Config, nodeID, leader string) error {
	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	j, err := journal.Open(cfg.DataDir + "/journal.db")
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	var gate *leadership.Gate

	notify := func(eventType, message string) {
		bus.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventType(eventType), Message: message})
	}
	release := func() {
		if gate != nil {
			gate.Release()
		}
	}
	exitFn := func(code int) { os.Exit(code) }

	crashStrategy := crash.New(notify, release, exitFn)

	auth := authority.New(j, crashStrategy, authority.Config{QueueCapacity: cfg.CommandQueueCapacity})

	if cfg.HighlyAvailable {
		leadershipCfg := leadership.Config{NodeID: nodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}
		var err error
		if leader == "" {
			gate, err = leadership.Bootstrap(leadershipCfg, auth)
		} else {
			gate, err = leadership.Join(leadershipCfg, auth)
		}
		if err != nil {
			return fmt.Errorf("start leadership gate: %w", err)
		}
		defer gate.Shutdown()
	} else {
		// Single-process pseudo-leadership: this node is always the leader.
		if err := auth.Submit(command.LeadershipAcquired{}); err != nil {
			return fmt.Errorf("acquire pseudo-leadership: %w", err)
		}
	}

	trk := tracker.New(auth, auth, tracker.DefaultDebounce)

	brokerAdapter, err := broker.New(mustString(cmd, "containerd-socket"), trk)
	if err != nil {
		return fmt.Errorf("connect broker adapter: %w", err)
	}
	defer brokerAdapter.Close()

	recon := reconciler.New(auth, auth, cfg.RefuseOfferSeconds)

	offerSource := broker.NewOfferSource(broker.Capacity{
		AgentID:              nodeID,
		ResourceRequirements: cfg.AgentCapacity(),
	}, auth, recon, broker.DefaultOfferInterval)
	defer offerSource.Stop()

	// trackedByAuthority and the periodic sweep below wire containerd's
	// live task set into the Instance Tracker's orphan-kill path (spec.md
	// §4.6): any container the authority no longer has a non-terminal
	// Instance for is killed best-effort.
	trackedByAuthority := func(taskID string) bool {
		for _, inst := range auth.Snapshot().NonTerminalInstances() {
			if inst.TaskID() == taskID {
				return true
			}
		}
		return false
	}

	metricsAddr := mustString(cmd, "metrics-addr")
	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go auth.Run(ctx)
	go dispatchEffects(ctx, auth.Effects(), brokerAdapter, bus)
	go dispatchEffects(ctx, recon.Effects(), brokerAdapter, bus)
	go offerSource.Run(ctx)
	go runLeadershipReconciliation(ctx, bus, trk, brokerAdapter)
	go runOrphanSweep(ctx, brokerAdapter, trackedByAuthority, trk)

	logger.Info().Str("data_dir", cfg.DataDir).Bool("highly_available", cfg.HighlyAvailable).Msg("aegis node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := auth.Submit(command.Shutdown{}); err != nil {
		logger.Warn().Err(err).Msg("failed to submit Shutdown event")
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// dispatchEffects applies every broker-relevant effect (LaunchTask,
// KillTask) to the adapter and republishes every Notify effect onto the
// event bus — the authority and reconciler emit Notify as an ordinary
// effect alongside their broker-facing ones, so it has to be drained here
// like any other effect rather than assumed to reach subscribers on its
// own. CommandAccepted, CommandFailure, Persist, AcceptOffer, and
// DeclineOffer are the authority/reconciler's own concern and are not
// dispatched further.
func dispatchEffects(ctx context.Context, effects <-chan command.Effect, adapter *broker.Adapter, bus *events.Broker) {
	for {
		select {
		case eff, ok := <-effects:
			if !ok {
				return
			}
			if n, ok := eff.(command.Notify); ok {
				bus.Publish(&events.Event{ID: uuid.NewString(), Type: events.EventType(n.EventType), Message: n.Message, Metadata: n.Metadata})
				continue
			}
			adapter.Apply(ctx, eff)
		case <-ctx.Done():
			return
		}
	}
}

// runLeadershipReconciliation subscribes to the event bus and runs the
// Instance Tracker's bulk reconciliation (spec.md §4.6) once per
// leadership acquisition: every non-terminal instance containerd no
// longer knows about is marked Gone.
func runLeadershipReconciliation(ctx context.Context, bus *events.Broker, trk *tracker.Tracker, adapter *broker.Adapter) {
	sub := bus.SubscribeFiltered(events.EventLeaderElected)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
			trk.Reconcile(ctx, func(taskID string) bool { return adapter.Known(ctx, taskID) })
		case <-ctx.Done():
			return
		}
	}
}

// DefaultOrphanSweepInterval bounds how often containerd's live task set is
// checked for orphans with no tracked Instance.
const DefaultOrphanSweepInterval = 30 * time.Second

// runOrphanSweep periodically kills containerd tasks the authority no
// longer tracks (spec.md §4.6).
func runOrphanSweep(ctx context.Context, adapter *broker.Adapter, tracked broker.KnownTask, trk *tracker.Tracker) {
	ticker := time.NewTicker(DefaultOrphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			adapter.ReapOrphans(ctx, tracked, func(taskID string) { trk.KillOrphan(taskID) })
		case <-ctx.Done():
			return
		}
	}
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
