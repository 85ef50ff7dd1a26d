package domain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrSubmissionInProgress is returned when a caller already has a submission in flight.
	ErrSubmissionInProgress = errors.New("submission in progress")
	// ErrSubmissionNotFound is returned when a submission cannot be located for the caller.
	ErrSubmissionNotFound = errors.New("submission not found")
)

// State represents a step of the submission state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateValidating           State = "validating"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateMinting              State = "minting"
	StateVerified             State = "verified"
	StateRejected             State = "rejected"
	StateFailed               State = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a caller may still abandon a submission in this state.
// Once minting has started a transaction may already be broadcast.
func (s State) Cancellable() bool {
	return s == StateValidating || s == StateAwaitingConfirmation
}

// Status discriminates SubmissionResult variants.
type Status string

const (
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// PolicyRejection reports an activity that failed a plausibility rule.
type PolicyRejection struct {
	Reason string
}

func (e *PolicyRejection) Error() string {
	return "activity rejected: " + e.Reason
}

// SubmissionResult is produced exactly once per submission.
// Verified results carry NFTID, RewardAmount and TransactionRef; Rejected and
// Failed results carry Reason. Failed results also record the stage that failed,
// and a TransactionRef when a mint transaction was broadcast before the failure.
type SubmissionResult struct {
	Status         Status
	NFTID          uint64
	RewardAmount   *big.Int
	TransactionRef string
	Reason         string
	FailedStage    State
	Err            error
}

// Verified builds a successful result.
func Verified(nftID uint64, reward *big.Int, txRef string) SubmissionResult {
	return SubmissionResult{
		Status:         StatusVerified,
		NFTID:          nftID,
		RewardAmount:   new(big.Int).Set(reward),
		TransactionRef: txRef,
	}
}

// Rejected builds a policy rejection result.
func Rejected(reason string) SubmissionResult {
	return SubmissionResult{
		Status: StatusRejected,
		Reason: reason,
		Err:    &PolicyRejection{Reason: reason},
	}
}

// Failed builds an infrastructure failure result for the given stage.
func Failed(stage State, reason string, err error) SubmissionResult {
	return SubmissionResult{
		Status:      StatusFailed,
		Reason:      reason,
		FailedStage: stage,
		Err:         err,
	}
}

func (r SubmissionResult) String() string {
	switch r.Status {
	case StatusVerified:
		return fmt.Sprintf("verified nft=%d reward=%s tx=%s", r.NFTID, r.RewardAmount, r.TransactionRef)
	case StatusFailed:
		return fmt.Sprintf("failed at %s: %s", r.FailedStage, r.Reason)
	default:
		return fmt.Sprintf("%s: %s", r.Status, r.Reason)
	}
}

// Transition describes one state change of a submission.
type Transition struct {
	SubmissionID string
	CallerID     string
	Recipient    string
	Record       ActivityRecord
	From         State
	To           State
	OccurredAt   time.Time
	// Result is set only when To is terminal.
	Result *SubmissionResult
}

// SubmissionRecorder captures transitions for auditing and downstream delivery.
type SubmissionRecorder interface {
	RecordTransition(ctx context.Context, t Transition) error
}

// NopRecorder discards transitions.
type NopRecorder struct{}

// RecordTransition performs no action.
func (NopRecorder) RecordTransition(context.Context, Transition) error { return nil }
