// Package metrics exposes Prometheus gauges/counters/histograms for the
// control plane: one registry, package-level collectors
// (package-level metric vars, an init() registering them, a Timer
// helper) re-themed to jobs/tasks/pools/scalesets/nodes/scheduler/
// queue/agent-protocol.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity-state gauges
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_pools_total",
			Help: "Total number of pools by state",
		},
		[]string{"state"},
	)

	ScalesetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_scalesets_total",
			Help: "Total number of scalesets by state",
		},
		[]string{"state"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_nodes_total",
			Help: "Total number of nodes by pool and state",
		},
		[]string{"pool", "state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "onefuzz_raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "onefuzz_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onefuzz_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onefuzz_api_requests_total",
			Help: "Total number of API requests by surface, route, and status",
		},
		[]string{"surface", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onefuzz_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"surface", "route"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onefuzz_scheduling_latency_seconds",
			Help:    "Time taken to run one scheduler cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onefuzz_tasks_scheduled_total",
			Help: "Total number of tasks transitioned to Scheduled",
		},
	)

	WorkSetsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onefuzz_worksets_enqueued_total",
			Help: "Total number of WorkSets enqueued onto pool queues",
		},
	)

	SchedulerAbandonedWorkSets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onefuzz_scheduler_abandoned_worksets_total",
			Help: "Total number of WorkSets abandoned due to a version conflict on a member task",
		},
	)

	// Processor metrics
	ProcessorTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onefuzz_processor_tick_duration_seconds",
			Help:    "Time taken for one state-machine processor tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity"},
	)

	ProcessorVersionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onefuzz_processor_version_conflicts_total",
			Help: "Total number of Replace calls that lost to a concurrent writer",
		},
		[]string{"entity"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onefuzz_queue_depth",
			Help: "Approximate number of visible messages in a queue",
		},
		[]string{"queue"},
	)

	QueuePoisonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onefuzz_queue_poison_total",
			Help: "Total number of messages moved to a poison queue",
		},
		[]string{"queue"},
	)

	// Agent protocol metrics
	AgentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onefuzz_agent_events_total",
			Help: "Total number of agent events processed by kind",
		},
		[]string{"kind"},
	)

	AgentRegistrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onefuzz_agent_registrations_total",
			Help: "Total number of agent registrations processed",
		},
	)

	AgentRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onefuzz_agent_rate_limited_total",
			Help: "Total number of agent requests rejected by the per-machine rate limiter",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(ScalesetsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(WorkSetsEnqueued)
	prometheus.MustRegister(SchedulerAbandonedWorkSets)
	prometheus.MustRegister(ProcessorTickDuration)
	prometheus.MustRegister(ProcessorVersionConflicts)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueuePoisonTotal)
	prometheus.MustRegister(AgentEventsTotal)
	prometheus.MustRegister(AgentRegistrationsTotal)
	prometheus.MustRegister(AgentRateLimited)
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
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
