// Package events defines the submission event payloads published through the outbox.
package events

import "time"

// Event types carried in the outbox and the event_type Kafka header.
const (
	TypeSubmissionStateChanged = "submission.state_changed"
	TypeSubmissionSettled      = "submission.settled"
)

// SubmissionStateChanged is emitted for every pipeline transition.
type SubmissionStateChanged struct {
	SubmissionID string    `json:"submission_id"`
	CallerID     string    `json:"caller_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SubmissionSettled is emitted once, when a submission reaches a terminal state.
// FailedStage is set for failed submissions; a failure at "minting" means a mint
// transaction may have landed without the pipeline observing it.
type SubmissionSettled struct {
	SubmissionID   string    `json:"submission_id"`
	CallerID       string    `json:"caller_id"`
	Recipient      string    `json:"recipient"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	FailedStage    string    `json:"failed_stage,omitempty"`
	NFTID          uint64    `json:"nft_id,omitempty"`
	RewardAmount   string    `json:"reward_amount,omitempty"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	Steps          int       `json:"steps"`
	DurationMin    int       `json:"duration_minutes"`
	SettledAt      time.Time `json:"settled_at"`
}

// NeedsReconciliation reports whether the ledger must be inspected to learn
// whether the submission's mint actually happened.
func (e SubmissionSettled) NeedsReconciliation() bool {
	return e.Status == "failed" && e.FailedStage == "minting"
}
