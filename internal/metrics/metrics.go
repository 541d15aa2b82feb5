// Package metrics defines the prometheus collectors of the agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "gacha_agent"

// Metrics groups every collector exported by the agent.
type Metrics struct {
	// UpstreamRequests counts upstream calls by operation and outcome.
	UpstreamRequests *prometheus.CounterVec
	// UpstreamDuration observes upstream call latency by operation.
	UpstreamDuration *prometheus.HistogramVec
	// Tasks counts finished tasks by outcome (success, expired, invalid, failed).
	Tasks *prometheus.CounterVec
	// TaskDuration observes end-to-end task latency.
	TaskDuration prometheus.Histogram
	// RecordsCollected counts history records pulled from the game service.
	RecordsCollected prometheus.Counter
	// Frames counts protocol frames by direction and message type.
	Frames *prometheus.CounterVec
	// ChannelState is the numeric protocol channel state.
	ChannelState prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream HTTP calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream HTTP call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by outcome.",
		}, []string{"outcome"}),
		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end task latency.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		RecordsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_collected_total",
			Help:      "History records collected from the game service.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Protocol frames by direction and message type.",
		}, []string{"direction", "type"}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Protocol channel state (0 connecting, 1 authenticating, 2 idle, 3 running task, 4 closed).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.UpstreamRequests,
			m.UpstreamDuration,
			m.Tasks,
			m.TaskDuration,
			m.RecordsCollected,
			m.Frames,
			m.ChannelState,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// NewNop returns unregistered collectors, for tests and optional wiring.
func NewNop() *Metrics {
	return New(nil)
}

// ObserveUpstream records one upstream call.
func (m *Metrics) ObserveUpstream(op, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(op, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(outcome).Inc()
	m.TaskDuration.Observe(time.Since(started).Seconds())
}

// AddRecords counts collected history records.
func (m *Metrics) AddRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsCollected.Add(float64(n))
}

// ObserveFrame counts one protocol frame.
func (m *Metrics) ObserveFrame(direction, msgType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(direction, msgType).Inc()
}

// SetChannelState publishes the channel state.
func (m *Metrics) SetChannelState(state int) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(state))
}
