package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blambuer10/human-step-mint/internal/domain"
)

// updateBuffer exceeds the longest possible transition chain, so replay and
// live delivery never block the run goroutine.
const updateBuffer = 8

// Submission is one activity moving through the state machine.
type Submission struct {
	id        string
	callerID  string
	recipient common.Address
	record    domain.ActivityRecord
	createdAt time.Time

	// stop aborts validation and confirmation; minting ignores it.
	stop context.CancelFunc
	done chan struct{}

	mu          sync.Mutex
	state       domain.State
	enteredAt   time.Time
	updatedAt   time.Time
	cancelled   bool
	history     []domain.Transition
	subscribers []chan domain.Transition
	result      *domain.SubmissionResult
}

// Snapshot is a point-in-time view of a submission.
type Snapshot struct {
	ID        string
	CallerID  string
	Recipient common.Address
	Record    domain.ActivityRecord
	State     domain.State
	Result    *domain.SubmissionResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ID returns the submission identifier.
func (s *Submission) ID() string {
	return s.id
}

// Done is closed once the submission reaches a terminal state.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal result, or false while the submission is running.
func (s *Submission) Result() (domain.SubmissionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return domain.SubmissionResult{}, false
	}
	return *s.result, true
}

// Snapshot returns the current state of the submission.
func (s *Submission) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.id,
		CallerID:  s.callerID,
		Recipient: s.recipient,
		Record:    s.record,
		State:     s.state,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if s.result != nil {
		result := *s.result
		snap.Result = &result
	}
	return snap
}

// Updates returns a channel that replays every transition so far and then
// follows live ones. It is closed after the terminal transition.
func (s *Submission) Updates() <-chan domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.Transition, updateBuffer)
	for _, t := range s.history {
		ch <- t
	}
	if s.state.Terminal() {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// advance moves the submission to the next state unless it was cancelled.
func (s *Submission) advance(to domain.State, now time.Time) (domain.Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.state.Terminal() {
		return domain.Transition{}, false
	}
	recordStage(s.state, now.Sub(s.enteredAt))
	return s.appendLocked(to, now, nil), true
}

// settle moves the submission to its terminal state exactly once. build
// receives the state the submission is leaving.
func (s *Submission) settle(build func(from domain.State) domain.SubmissionResult, now time.Time) (domain.Transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return domain.Transition{}, false
	}
	recordStage(s.state, now.Sub(s.enteredAt))

	result := build(s.state)

	to := domain.State(result.Status)
	s.result = &result
	t := s.appendLocked(to, now, &result)
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	return t, true
}

func (s *Submission) appendLocked(to domain.State, now time.Time, result *domain.SubmissionResult) domain.Transition {
	t := domain.Transition{
		SubmissionID: s.id,
		CallerID:     s.callerID,
		Recipient:    s.recipient.Hex(),
		Record:       s.record,
		From:         s.state,
		To:           to,
		OccurredAt:   now,
		Result:       result,
	}
	s.state = to
	s.enteredAt = now
	s.updatedAt = now
	s.history = append(s.history, t)
	for _, ch := range s.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
	return t
}

// requestCancel marks the submission cancelled if it has not started minting.
func (s *Submission) requestCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrAlreadySettled
	case s.cancelled:
		return nil
	case !s.state.Cancellable():
		return ErrCancelRefused
	}
	s.cancelled = true
	s.stop()
	return nil
}

func (s *Submission) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}
