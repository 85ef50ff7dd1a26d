package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ entry outcomes.
const (
	dlqOutcomeRequeued    = "requeued"
	dlqOutcomeRescheduled = "rescheduled"
	dlqOutcomeQuarantined = "quarantined"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "outbox",
		Name:      "events_published_total",
		Help:      "Submission events acknowledged by Kafka, by event type.",
	}, []string{"event_type"})

	eventsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "outbox",
		Name:      "events_dead_lettered_total",
		Help:      "Submission events moved to the DLQ after a failed delivery, by event type.",
	}, []string{"event_type"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "step_mint",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time from claiming an outbox batch to marking it published.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqEntriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "step_mint",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by outcome.",
	}, []string{"event_type", "outcome"})

	dlqBacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "step_mint",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Entries currently in the DLQ, split by whether they are quarantined.",
	}, []string{"quarantined"})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDeadLettered, batchDuration, dlqEntriesCounter, dlqBacklogGauge)
}

func countByEventType(vec *prometheus.CounterVec, messages []Message) {
	for _, msg := range messages {
		vec.WithLabelValues(msg.EventType).Inc()
	}
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqEntriesCounter.WithLabelValues(entry.EventType, outcome).Inc()
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var pending, quarantined int
	err := pool.QueryRow(ctx, `SELECT
            COUNT(*) FILTER (WHERE quarantined_at IS NULL),
            COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
        FROM outbox_dlq`).Scan(&pending, &quarantined)
	if err != nil {
		return
	}
	dlqBacklogGauge.WithLabelValues("false").Set(float64(pending))
	dlqBacklogGauge.WithLabelValues("true").Set(float64(quarantined))
}
