package deployment

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "step_mint",
		Subsystem: "deployment",
		Name:      "step_duration_seconds",
		Help:      "Time taken by each deployment step, including waiting for the transaction to be mined.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"step"})

	stepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "deployment",
		Name:      "step_failures_total",
		Help:      "Number of failed deployment steps.",
	}, []string{"step"})
)

func init() {
	prometheus.MustRegister(stepDuration, stepFailures)
}

func observeStep(step string, started time.Time, err error) {
	stepDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
	if err != nil {
		stepFailures.WithLabelValues(step).Inc()
	}
}
