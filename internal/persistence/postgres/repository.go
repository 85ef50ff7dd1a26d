package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blambuer10/human-step-mint/internal/domain"
	"github.com/blambuer10/human-step-mint/internal/events"
	"github.com/blambuer10/human-step-mint/internal/observability"
	"github.com/blambuer10/human-step-mint/internal/persistence"
)

// Repository persists submission transitions and their outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// StoredSubmission is the audit row kept for a submission.
type StoredSubmission struct {
	ID             string
	CallerID       string
	Recipient      string
	Record         domain.ActivityRecord
	State          domain.State
	Status         string
	Reason         string
	FailedStage    string
	NFTID          *int64
	RewardAmount   string
	TransactionRef string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RecordTransition upserts the submission row and writes its outbox events inside a single transaction.
// Replaying a transition already recorded is a no-op for the outbox.
func (r *Repository) RecordTransition(ctx context.Context, t domain.Transition) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	var (
		status, reason, failedStage, txRef interface{}
		nftID, reward                      interface{}
	)
	if res := t.Result; res != nil {
		status = string(res.Status)
		reason = nullIfEmpty(res.Reason)
		failedStage = nullIfEmpty(string(res.FailedStage))
		txRef = nullIfEmpty(res.TransactionRef)
		if res.Status == domain.StatusVerified {
			nftID = int64(res.NFTID)
			reward = res.RewardAmount.String()
		}
	}

	const upsert = `INSERT INTO submissions (submission_id, caller_id, recipient, steps, duration_minutes, distance_meters, activity_type, state, status, reason, failed_stage, nft_id, reward_amount, transaction_ref, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13::text::numeric,$14,$15,$15)
        ON CONFLICT (submission_id) DO UPDATE SET
            state = EXCLUDED.state,
            status = EXCLUDED.status,
            reason = EXCLUDED.reason,
            failed_stage = EXCLUDED.failed_stage,
            nft_id = EXCLUDED.nft_id,
            reward_amount = EXCLUDED.reward_amount,
            transaction_ref = EXCLUDED.transaction_ref,
            updated_at = EXCLUDED.updated_at`

	_, err = tx.Exec(ctx, upsert,
		t.SubmissionID,
		t.CallerID,
		t.Recipient,
		t.Record.Steps,
		t.Record.DurationMinutes,
		t.Record.DistanceMeters,
		t.Record.ActivityType,
		string(t.To),
		status,
		reason,
		failedStage,
		nftID,
		reward,
		txRef,
		t.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO submission_transitions (submission_id, from_state, to_state, occurred_at)
         VALUES ($1,$2,$3,$4) ON CONFLICT (submission_id, to_state) DO NOTHING`,
		t.SubmissionID, string(t.From), string(t.To), t.OccurredAt,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if err = r.insertOutbox(ctx, tx, t, events.TypeSubmissionStateChanged, events.SubmissionStateChanged{
		SubmissionID: t.SubmissionID,
		CallerID:     t.CallerID,
		From:         string(t.From),
		To:           string(t.To),
		OccurredAt:   t.OccurredAt,
	}); err != nil {
		return err
	}

	if t.Result != nil {
		if err = r.insertOutbox(ctx, tx, t, events.TypeSubmissionSettled, settledEvent(t)); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordTransitionPersisted(string(t.To), t.OccurredAt)
	return nil
}

func settledEvent(t domain.Transition) events.SubmissionSettled {
	res := t.Result
	evt := events.SubmissionSettled{
		SubmissionID:   t.SubmissionID,
		CallerID:       t.CallerID,
		Recipient:      t.Recipient,
		Status:         string(res.Status),
		Reason:         res.Reason,
		FailedStage:    string(res.FailedStage),
		Steps:          t.Record.Steps,
		DurationMin:    t.Record.DurationMinutes,
		TransactionRef: res.TransactionRef,
		SettledAt:      t.OccurredAt,
	}
	if res.Status == domain.StatusVerified {
		evt.NFTID = res.NFTID
		evt.RewardAmount = res.RewardAmount.String()
	}
	return evt
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, t domain.Transition, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	partitionKey := meta.PartitionKeyFn(t)
	dedupeKey := fmt.Sprintf("%s:%s:%s", t.SubmissionID, eventType, t.To)

	const stmt = `INSERT INTO outbox (caller_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		t.CallerID,
		"submission",
		t.SubmissionID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventType, err)
	}
	return nil
}

// Get retrieves a submission row by ID. A missing row yields nil without error.
func (r *Repository) Get(ctx context.Context, submissionID string) (*StoredSubmission, error) {
	sub, err := scanSubmission(r.pool.QueryRow(ctx, selectSubmission+` WHERE submission_id=$1`, submissionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

const selectSubmission = `SELECT submission_id, caller_id, recipient, steps, duration_minutes, distance_meters, activity_type, state,
            COALESCE(status, ''), COALESCE(reason, ''), COALESCE(failed_stage, ''), nft_id, COALESCE(reward_amount::text, ''), COALESCE(transaction_ref, ''),
            created_at, updated_at
        FROM submissions`

func scanSubmission(row pgx.Row) (StoredSubmission, error) {
	var sub StoredSubmission
	var state string
	if err := row.Scan(&sub.ID, &sub.CallerID, &sub.Recipient, &sub.Record.Steps, &sub.Record.DurationMinutes, &sub.Record.DistanceMeters, &sub.Record.ActivityType, &state,
		&sub.Status, &sub.Reason, &sub.FailedStage, &sub.NFTID, &sub.RewardAmount, &sub.TransactionRef, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return StoredSubmission{}, err
	}
	sub.State = domain.State(state)
	return sub, nil
}

// ListByCaller returns a caller's submissions, newest first.
func (r *Repository) ListByCaller(ctx context.Context, callerID string, cursor *persistence.Cursor, limit int) ([]StoredSubmission, *persistence.Cursor, error) {
	args := []interface{}{callerID, limit}
	query := selectSubmission + ` WHERE caller_id=$1`

	if cursor != nil {
		query += ` AND (created_at, submission_id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}

	query += ` ORDER BY created_at DESC, submission_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]StoredSubmission, 0, limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *persistence.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &persistence.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// Transitions lists the recorded states of a submission in the order they were entered.
func (r *Repository) Transitions(ctx context.Context, submissionID string) ([]domain.State, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT to_state FROM submission_transitions WHERE submission_id=$1 ORDER BY occurred_at, transition_id`,
		submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]domain.State, 0, 4)
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		states = append(states, domain.State(state))
	}
	return states, rows.Err()
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.Transition) string
}

// SubmissionTopic carries every submission event.
const SubmissionTopic = "activity_submission_events"

// Events for one caller share a partition so consumers observe them in order.
var eventCatalog = map[string]EventMetadata{
	events.TypeSubmissionStateChanged: {
		Topic:         SubmissionTopic,
		SchemaSubject: SubmissionTopic + "-state_changed-value",
		PartitionKeyFn: func(t domain.Transition) string {
			return t.CallerID
		},
	},
	events.TypeSubmissionSettled: {
		Topic:         SubmissionTopic,
		SchemaSubject: SubmissionTopic + "-settled-value",
		PartitionKeyFn: func(t domain.Transition) string {
			return t.CallerID
		},
	},
}
