package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Authority pipeline metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_authority_queue_depth",
			Help: "Current depth of the authority's bounded input queue",
		},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_command_rejections_total",
			Help: "Total number of commands rejected by the reducer's validation rules, by rejection kind",
		},
		[]string{"kind"},
	)

	CommandsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_commands_accepted_total",
			Help: "Total number of commands that committed",
		},
	)

	EffectsEmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_effects_emitted_total",
			Help: "Total number of effects emitted by the authority, including CommandAccepted/Failure",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_instances_total",
			Help: "Total number of instances in the published snapshot, by condition",
		},
		[]string{"condition"},
	)

	// Raft leadership-gate metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_is_leader",
			Help: "Whether this node holds the leadership gate (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_peers_total",
			Help: "Total number of Raft peers participating in leader election",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	// Broker adapter metrics
	TasksLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_tasks_launched_total",
			Help: "Total number of LaunchTask effects applied to the broker",
		},
	)

	TasksKilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_tasks_killed_total",
			Help: "Total number of KillTask effects applied to the broker",
		},
	)

	TaskLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_task_launch_duration_seconds",
			Help:    "Time taken for the broker adapter to launch a task",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Offer Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_reconciliation_duration_seconds",
			Help:    "Time taken to match one offer against scheduled candidates",
			Buckets: prometheus.DefBuckets,
		},
	)

	OffersAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_offers_accepted_total",
			Help: "Total number of offers accepted by the reconciler",
		},
	)

	OffersDeclinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_offers_declined_total",
			Help: "Total number of offers declined by the reconciler",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RejectionsTotal)
	prometheus.MustRegister(CommandsAcceptedTotal)
	prometheus.MustRegister(EffectsEmittedTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(TasksLaunchedTotal)
	prometheus.MustRegister(TasksKilledTotal)
	prometheus.MustRegister(TaskLaunchDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(OffersAcceptedTotal)
	prometheus.MustRegister(OffersDeclinedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
