package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blambuer10/human-step-mint/internal/domain"
)

var (
	startedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "submissions_started_total",
		Help:      "Number of submissions accepted into the pipeline.",
	})

	outcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "submissions_settled_total",
		Help:      "Terminal submission outcomes grouped by status and reason.",
	}, []string{"status", "reason"})

	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "submissions_in_flight",
		Help:      "Number of submissions that have not reached a terminal state.",
	})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each non-terminal submission state.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"state"})

	concurrencyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "concurrency_violations_total",
		Help:      "Number of submissions refused because the caller already had one in flight.",
	})

	recorderErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "pipeline",
		Name:      "recorder_errors_total",
		Help:      "Number of transitions the recorder failed to persist.",
	})
)

func init() {
	prometheus.MustRegister(startedCounter, outcomeCounter, inFlightGauge, stageDuration, concurrencyCounter, recorderErrorCounter)
}

func recordStarted() {
	startedCounter.Inc()
	inFlightGauge.Inc()
}

func recordSettled(result domain.SubmissionResult) {
	inFlightGauge.Dec()
	outcomeCounter.WithLabelValues(string(result.Status), result.Reason).Inc()
}

func recordStage(state domain.State, elapsed time.Duration) {
	stageDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}
