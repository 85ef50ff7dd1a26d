//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/blambuer10/human-step-mint/internal/events"
	"github.com/blambuer10/human-step-mint/internal/persistence/postgres"
)

func TestKafkaSettledEventIsReconciled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	broker := brokers[0]

	topic := postgres.SubmissionTopic

	conn, err := kafka.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	chain := newChain()
	mintFor(t, chain, "sub-landed")
	store := newMemoryStore()
	handler := NewReconciliationHandler(chain, store, WithReadRetry(noRetry), WithHandlerLogger(testLogger(t)))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		GroupID:     "reconciler-integration",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()

	proc := NewProcessor(reader, handler, WithLogger(testLogger(t)))
	go func() {
		_ = proc.Run(consumerCtx)
	}()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	for _, id := range []string{"sub-landed", "sub-lost"} {
		payload, err := json.Marshal(events.SubmissionSettled{
			SubmissionID: id,
			CallerID:     "user-1",
			Status:       "failed",
			Reason:       "mint timeout",
			FailedStage:  "minting",
			SettledAt:    time.Now().UTC(),
		})
		require.NoError(t, err)

		require.NoError(t, writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte("user-1"),
			Value: framed(7, payload),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(events.TypeSubmissionSettled)},
				{Key: "caller_id", Value: []byte("user-1")},
			},
		}))
	}

	require.Eventually(t, func() bool {
		landed, _ := store.GetReconciliation(ctx, "sub-landed")
		lost, _ := store.GetReconciliation(ctx, "sub-lost")
		return landed != nil && lost != nil
	}, 45*time.Second, 250*time.Millisecond)

	landed, err := store.GetReconciliation(ctx, "sub-landed")
	require.NoError(t, err)
	require.Equal(t, postgres.OutcomeMinted, landed.Outcome)
	require.EqualValues(t, 1, *landed.NFTID)

	lost, err := store.GetReconciliation(ctx, "sub-lost")
	require.NoError(t, err)
	require.Equal(t, postgres.OutcomeNotMinted, lost.Outcome)
}
