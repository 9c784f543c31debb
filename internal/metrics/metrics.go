package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "decisions_total",
			Help:      "Total decisions served, partitioned by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	decisionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "decision_seconds",
			Help:      "Synchronous decision latency in seconds.",
			Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	scoreTasksDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "score_tasks_dropped_total",
			Help:      "Scoring tasks dropped because the score queue was full.",
		},
	)

	scoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "anomaly_scores_total",
			Help:      "Anomaly scoring attempts, partitioned by result.",
		},
		[]string{"result"},
	)

	telemetryDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry records dropped after queue overflow or exhausted retries.",
		},
		[]string{"sink"},
	)

	windowEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "window_cap_evictions_total",
			Help:      "Events evicted from client windows by the hard cap.",
		},
	)

	correlationsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "correlations_flushed_total",
			Help:      "Correlation records flushed, partitioned by state.",
		},
		[]string{"state"},
	)
)

// Scoring result labels.
const (
	ScoreResultScored    = "scored"
	ScoreResultNotReady  = "baseline_not_ready"
	ScoreResultBanIssued = "ban_issued"
)

// Correlation flush state labels.
const (
	CorrelationCompleted  = "completed"
	CorrelationIncomplete = "incomplete"
	CorrelationUnknown    = "unknown"
)

// Register attaches gateway collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		decisionsTotal,
		decisionSeconds,
		scoreTasksDropped,
		scoresTotal,
		telemetryDropped,
		windowEvictions,
		correlationsFlushed,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDecision records one served decision and its latency.
func ObserveDecision(outcome, reason string, duration time.Duration) {
	decisionsTotal.WithLabelValues(outcome, reason).Inc()
	if duration < 0 {
		duration = 0
	}
	decisionSeconds.Observe(duration.Seconds())
}

// ScoreTaskDropped counts a scoring task dropped at enqueue.
func ScoreTaskDropped() {
	scoreTasksDropped.Inc()
}

// ObserveScore counts a scoring attempt by result label.
func ObserveScore(result string) {
	scoresTotal.WithLabelValues(result).Inc()
}

// TelemetryDropped counts records dropped by the named sink.
func TelemetryDropped(sink string, n int) {
	telemetryDropped.WithLabelValues(sink).Add(float64(n))
}

// WindowEvictions counts events evicted by the window hard cap.
func WindowEvictions(n int) {
	windowEvictions.Add(float64(n))
}

// CorrelationFlushed counts a flushed correlation record by state.
func CorrelationFlushed(state string) {
	correlationsFlushed.WithLabelValues(state).Inc()
}
