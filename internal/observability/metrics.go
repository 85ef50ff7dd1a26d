// Package observability holds process-wide watermark gauges for the audit store and outbox.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionPersistGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "step_mint",
		Subsystem: "persistence",
		Name:      "last_transition_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent submission transition persisted to Postgres, by target state.",
	}, []string{"state"})
	eventPublishedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "step_mint",
		Subsystem: "persistence",
		Name:      "last_event_published_timestamp_seconds",
		Help:      "Unix timestamp of the most recent outbox batch marked published.",
	})
)

func init() {
	prometheus.MustRegister(transitionPersistGauge, eventPublishedGauge)
}

// RecordTransitionPersisted updates the persistence watermark for state.
func RecordTransitionPersisted(state string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	transitionPersistGauge.WithLabelValues(state).Set(float64(ts.Unix()))
}

// RecordEventsPublished updates the publish watermark.
func RecordEventsPublished(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventPublishedGauge.Set(float64(ts.Unix()))
}
