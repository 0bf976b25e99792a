package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "syncrunner"

// Metrics holds the collectors shared by the orchestrator, queue and staging
// packages. A nil *Metrics is valid and records nothing.
type Metrics struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	running            prometheus.Gauge
	progressEvents     *prometheus.CounterVec
	progressDropped    prometheus.Counter
	unitInboxDepth     prometheus.Histogram
	unitInboxSlowSends prometheus.Counter

	queueEnqueued *prometheus.CounterVec
	queueConsumed *prometheus.CounterVec
	queueFailed   *prometheus.CounterVec
	queueDropped  *prometheus.CounterVec
	queuePending  *prometheus.GaugeVec

	stagingWritten  prometheus.Counter
	stagingRejected prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		executionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of executions started.",
		}, []string{"target"}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Total number of executions finished, by terminal status.",
		}, []string{"status"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of executions in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"status"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_running",
			Help:      "Number of executions currently registered.",
		}),
		progressEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Total number of progress events published, by status.",
		}, []string{"status"}),
		progressDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      "Progress events dropped because a subscriber buffer was full.",
		}),
		unitInboxDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_inbox_max_depth",
			Help:      "Deepest backlog of unit events seen per execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		unitInboxSlowSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_inbox_slow_sends_total",
			Help:      "Unit events whose send blocked longer than the slow threshold.",
		}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total number of messages enqueued.",
		}, []string{"topic"}),
		queueConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_consumed_total",
			Help:      "Total number of messages handled successfully.",
		}, []string{"topic"}),
		queueFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total number of handler failures.",
		}, []string{"topic"}),
		queueDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Messages dropped after exhausting their attempts.",
		}, []string{"topic"}),
		queuePending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Messages on a topic not yet handled, as last observed by a consumer.",
		}, []string{"topic"}),
		stagingWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_rows_written_total",
			Help:      "Total number of staging rows written.",
		}),
		stagingRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_rows_rejected_total",
			Help:      "Total number of staging rows rejected.",
		}),
	}
}

func (m *Metrics) ExecutionStarted(target string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(target).Inc()
	m.running.Inc()
}

func (m *Metrics) ExecutionFinished(status string, runtime time.Duration) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(runtime.Seconds())
	m.running.Dec()
}

func (m *Metrics) ProgressEvent(status string) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(status).Inc()
}

func (m *Metrics) ProgressDropped() {
	if m == nil {
		return
	}
	m.progressDropped.Inc()
}

// UnitInbox records the event inbox statistics of a finished execution.
func (m *Metrics) UnitInbox(maxDepth, slowSends int64) {
	if m == nil {
		return
	}
	m.unitInboxDepth.Observe(float64(maxDepth))
	if slowSends > 0 {
		m.unitInboxSlowSends.Add(float64(slowSends))
	}
}

func (m *Metrics) QueuePending(topic string, n int64) {
	if m == nil {
		return
	}
	m.queuePending.WithLabelValues(topic).Set(float64(n))
}

func (m *Metrics) QueueEnqueued(topic string) {
	if m == nil {
		return
	}
	m.queueEnqueued.WithLabelValues(topic).Inc()
}

func (m *Metrics) QueueConsumed(topic string) {
	if m == nil {
		return
	}
	m.queueConsumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) QueueFailed(topic string) {
	if m == nil {
		return
	}
	m.queueFailed.WithLabelValues(topic).Inc()
}

func (m *Metrics) QueueDropped(topic string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) StagingRowsWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stagingWritten.Add(float64(n))
}

func (m *Metrics) StagingRowsRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stagingRejected.Add(float64(n))
}
