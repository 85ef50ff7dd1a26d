//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/blambuer10/human-step-mint/internal/events"
)

func TestDLQReplayDeliversToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	submissionID := uuid.NewString()
	seedOutbox(t, ctx, pool, "user-9", submissionID, events.TypeSubmissionSettled)

	registry := &stubRegistry{id: 100}

	// Initial dispatch fails and moves the message to the DLQ.
	dispatcher := NewDispatcher(pool, &stubProducer{err: errors.New("upstream kafka unavailable")}, registry, 5*time.Millisecond, 10)
	require.NoError(t, dispatcher.processBatch(ctx))

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	manager := NewDLQManager(pool, 5, time.Second, nil)
	replayed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&dlqCount))
	require.Zero(t, dlqCount)

	kContainer, err := kafkaContainer.RunContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kContainer.Terminate(context.Background()) })

	brokers, err := kContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: testTopic, NumPartitions: 1, ReplicationFactor: 1}))

	producer := NewKafkaProducer(brokers)
	defer producer.Close()

	dispatcher = NewDispatcher(pool, producer, registry, 5*time.Millisecond, 10)
	require.NoError(t, dispatcher.processBatch(ctx))

	reader := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: testTopic, Partition: 0, MinBytes: 1, MaxBytes: 1 << 20})
	defer reader.Close()

	readCtx, readCancel := context.WithTimeout(ctx, 45*time.Second)
	defer readCancel()
	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)

	require.Equal(t, []byte("user-9"), msg.Key)
	schemaID, payload, err := DecodeWireFormat(msg.Value)
	require.NoError(t, err)
	require.Equal(t, 100, schemaID)

	var settled events.SubmissionSettled
	require.NoError(t, json.Unmarshal(payload, &settled))
	require.Equal(t, submissionID, settled.SubmissionID)
	require.True(t, settled.NeedsReconciliation())

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.TypeSubmissionSettled, headers[HeaderEventType])
	require.Equal(t, "user-9", headers[HeaderCallerID])
}
