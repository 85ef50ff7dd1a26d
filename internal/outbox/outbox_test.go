package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/blambuer10/human-step-mint/internal/events"
)

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}

func TestWireFormatRoundTrip(t *testing.T) {
	payload := []byte(`{"submission_id":"abc"}`)
	frame := encodeWireFormat(513, payload)
	require.Equal(t, byte(0), frame[0])

	id, body, err := DecodeWireFormat(frame)
	require.NoError(t, err)
	require.Equal(t, 513, id)
	require.Equal(t, payload, body)

	id, body, err = DecodeWireFormat(payload)
	require.NoError(t, err)
	require.Zero(t, id)
	require.Equal(t, payload, body)

	_, _, err = DecodeWireFormat([]byte{0, 1})
	require.Error(t, err)
}

func TestDeliverGroupsByTopicWithHeaders(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	d := NewDispatcher(nil, producer, registry, time.Second, 10)

	messages := []Message{
		{EventID: 1, CallerID: "user-1", EventType: events.TypeSubmissionStateChanged, Topic: "activity_submission_events", SchemaSubject: "s-changed", PartitionKey: "user-1", Payload: json.RawMessage(`{}`)},
		{EventID: 2, CallerID: "user-1", EventType: events.TypeSubmissionStateChanged, Topic: "activity_submission_events", SchemaSubject: "s-changed", PartitionKey: "user-1", Payload: json.RawMessage(`{}`)},
		{EventID: 3, CallerID: "user-2", EventType: events.TypeSubmissionSettled, Topic: "activity_submission_events", SchemaSubject: "s-settled", PartitionKey: "user-2", Payload: json.RawMessage(`{}`)},
	}
	require.NoError(t, d.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 1)
	batch := producer.writes[0]
	require.Equal(t, "activity_submission_events", batch.topic)
	require.Len(t, batch.messages, 3)
	require.Len(t, registry.calls, 2, "schema ids are cached per subject")

	last := batch.messages[2]
	require.Equal(t, []byte("user-2"), last.Key)
	headers := map[string]string{}
	for _, h := range last.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, events.TypeSubmissionSettled, headers[HeaderEventType])
	require.Equal(t, "user-2", headers[HeaderCallerID])
	require.Equal(t, "s-settled", headers[HeaderSchemaSubject])

	id, _, err := DecodeWireFormat(last.Value)
	require.NoError(t, err)
	require.Equal(t, 42, id)
}

func TestDeliverFailsForUnknownEventOrRegistryError(t *testing.T) {
	producer := &stubProducer{}
	d := NewDispatcher(nil, producer, &stubRegistry{}, time.Second, 10)
	err := d.deliver(context.Background(), []Message{{EventType: "submission.unknown", Topic: "t"}})
	require.ErrorContains(t, err, "no schema metadata for event_type=submission.unknown")

	d = NewDispatcher(nil, producer, &stubRegistry{err: errors.New("registry down")}, time.Second, 10)
	err = d.deliver(context.Background(), []Message{{EventType: events.TypeSubmissionSettled, Topic: "t", SchemaSubject: "s"}})
	require.ErrorContains(t, err, "registry down")
	require.Empty(t, producer.writes)
}

func TestEventPayloadsMatchRegisteredSchemas(t *testing.T) {
	settledAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	cases := map[string]interface{}{
		events.TypeSubmissionStateChanged: events.SubmissionStateChanged{
			SubmissionID: "s-1", CallerID: "user-1", From: "validating", To: "awaiting_confirmation", OccurredAt: settledAt,
		},
		events.TypeSubmissionSettled: events.SubmissionSettled{
			SubmissionID: "s-1", CallerID: "user-1", Recipient: "0xbb", Status: "verified",
			NFTID: 4, RewardAmount: "10000000000000000000", TransactionRef: "0xabc",
			Steps: 2500, DurationMin: 25, SettledAt: settledAt,
		},
	}

	for eventType, payload := range cases {
		t.Run(eventType, func(t *testing.T) {
			compiler := jsonschema.NewCompiler()
			require.NoError(t, compiler.AddResource(eventType, strings.NewReader(schemaCatalog[eventType].Schema)))
			schema := compiler.MustCompile(eventType)

			raw, err := json.Marshal(payload)
			require.NoError(t, err)
			var doc interface{}
			require.NoError(t, json.Unmarshal(raw, &doc))
			require.NoError(t, schema.Validate(doc))
		})
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Minute, nil)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(10))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func TestSchemaRegistryRegistersMissingSubject(t *testing.T) {
	var registered []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/known-value/versions/latest":
			_, _ = w.Write([]byte(`{"id": 11}`))
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/subjects/new-value/versions":
			registered, _ = io.ReadAll(r.Body)
			_, _ = w.Write([]byte(`{"id": 12}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewRegistryClient(srv.URL + "/")

	id, err := client.EnsureSchema(context.Background(), "known-value", "{}")
	require.NoError(t, err)
	require.Equal(t, 11, id)
	require.Nil(t, registered)

	id, err = client.EnsureSchema(context.Background(), "new-value", submissionSettledSchema)
	require.NoError(t, err)
	require.Equal(t, 12, id)
	require.True(t, bytes.Contains(registered, []byte(`"schemaType":"JSON"`)))
}

func TestSchemaRegistryErrorIsNotTreatedAsMissing(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "status=503")
	require.NotErrorIs(t, err, ErrSubjectNotFound)
	require.Zero(t, posts)
}
