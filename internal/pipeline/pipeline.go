// Package pipeline drives activity submissions from validation through
// attestation to a single reward mint on the ledger.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/domain"
	"github.com/blambuer10/human-step-mint/internal/ledger"
)

// Failure reasons attached to failed results.
const (
	ReasonCancelled           = "cancelled"
	ReasonConfirmationTimeout = "confirmation timeout"
	ReasonConfirmationFailed  = "confirmation failed"
	ReasonMintTimeout         = "mint timeout"
	ReasonMintFailed          = "mint failed"
	ReasonShutdown            = "shutdown"
)

var (
	// ErrCancelRefused is returned when cancellation is requested after minting started.
	ErrCancelRefused = errors.New("submission is minting and can no longer be cancelled")
	// ErrAlreadySettled is returned when cancellation is requested for a terminal submission.
	ErrAlreadySettled = errors.New("submission already settled")
	// ErrInvalidRequest is returned for submissions missing a caller or recipient.
	ErrInvalidRequest = errors.New("invalid submission request")
	// ErrCancelled is the cause carried by cancelled submissions.
	ErrCancelled = errors.New("submission cancelled by caller")
	// ErrShutdown is the cause carried by submissions abandoned at shutdown.
	ErrShutdown = errors.New("service shut down before the submission settled")
	// ErrUnusableNFTID is the cause carried when a mined mint reports no valid token id.
	ErrUnusableNFTID = errors.New("mint receipt carries no usable nft id")
)

// SubmitRequest is a caller's request to verify one activity.
type SubmitRequest struct {
	CallerID  string
	Recipient common.Address
	Record    domain.ActivityRecord
}

// Config bounds the asynchronous stages of a submission.
type Config struct {
	ConfirmationTimeout time.Duration
	MintTimeout         time.Duration
	// Retention is how long terminal submissions stay queryable.
	Retention time.Duration
	// RecordTimeout bounds each recorder call.
	RecordTimeout time.Duration
	ReadRetry     ledger.RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 30 * time.Second,
		MintTimeout:         2 * time.Minute,
		Retention:           10 * time.Minute,
		RecordTimeout:       5 * time.Second,
		ReadRetry:           ledger.DefaultRetryPolicy,
	}
}

// Option configures optional behaviour for the Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the logger used for submission tracing.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithAttestor replaces the default delay attestor.
func WithAttestor(attestor Attestor) Option {
	return func(p *Pipeline) {
		p.attestor = attestor
	}
}

// WithRecorder registers a transition recorder.
func WithRecorder(recorder domain.SubmissionRecorder) Option {
	return func(p *Pipeline) {
		p.recorder = recorder
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs submissions, one goroutine each, allowing a single in-flight
// submission per caller.
type Pipeline struct {
	ledger   ledger.RewardContract
	attestor Attestor
	recorder domain.SubmissionRecorder
	logger   logrus.FieldLogger
	cfg      Config
	now      func() time.Time

	mu          sync.Mutex
	inFlight    map[string]string
	submissions map[string]*Submission

	wg sync.WaitGroup
}

// New constructs a Pipeline minting through contract.
func New(contract ledger.RewardContract, cfg Config, opts ...Option) *Pipeline {
	defaults := DefaultConfig()
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = defaults.ConfirmationTimeout
	}
	if cfg.MintTimeout <= 0 {
		cfg.MintTimeout = defaults.MintTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaults.RecordTimeout
	}
	if cfg.ReadRetry.Attempts == 0 {
		cfg.ReadRetry = defaults.ReadRetry
	}

	p := &Pipeline{
		ledger:      contract,
		attestor:    DelayAttestor{Delay: DefaultAttestationDelay},
		recorder:    domain.NopRecorder{},
		logger:      logrus.StandardLogger(),
		cfg:         cfg,
		now:         time.Now,
		inFlight:    make(map[string]string),
		submissions: make(map[string]*Submission),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Begin starts a submission and returns once it is validating. A caller with
// a submission still in flight receives domain.ErrSubmissionInProgress and no
// state is created.
func (p *Pipeline) Begin(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if req.CallerID == "" {
		return nil, fmt.Errorf("%w: caller is required", ErrInvalidRequest)
	}
	if req.Recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}

	now := p.now()
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Submission{
		id:        uuid.NewString(),
		callerID:  req.CallerID,
		recipient: req.Recipient,
		record:    req.Record,
		createdAt: now,
		stop:      stop,
		done:      make(chan struct{}),
		state:     domain.StateIdle,
		enteredAt: now,
		updatedAt: now,
	}

	p.mu.Lock()
	if active, ok := p.inFlight[req.CallerID]; ok {
		p.mu.Unlock()
		stop()
		concurrencyCounter.Inc()
		p.logger.WithFields(logrus.Fields{"caller": req.CallerID, "submission_id": active}).Info("submission refused: caller has one in flight")
		return nil, domain.ErrSubmissionInProgress
	}
	p.inFlight[req.CallerID] = sub.id
	p.submissions[sub.id] = sub
	p.mu.Unlock()

	first, _ := sub.advance(domain.StateValidating, now)
	recordStarted()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer stop()
		p.run(runCtx, sub, req, first)
	}()
	return sub, nil
}

// Submit runs a submission and waits for its result. If ctx ends first the
// wait is abandoned but the submission keeps running.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (domain.SubmissionResult, error) {
	sub, err := p.Begin(ctx, req)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	select {
	case <-sub.Done():
		result, _ := sub.Result()
		return result, nil
	case <-ctx.Done():
		return domain.SubmissionResult{}, ctx.Err()
	}
}

// Get returns the submission if it belongs to callerID and is still retained.
func (p *Pipeline) Get(id, callerID string) (*Submission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.submissions[id]
	if !ok || sub.callerID != callerID {
		return nil, domain.ErrSubmissionNotFound
	}
	return sub, nil
}

// Cancel abandons a submission that has not started minting. The submission
// then settles as failed with reason "cancelled".
func (p *Pipeline) Cancel(id, callerID string) error {
	sub, err := p.Get(id, callerID)
	if err != nil {
		return err
	}
	if err := sub.requestCancel(); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{"submission_id": id, "caller": callerID}).Info("submission cancel requested")
	return nil
}

// InFlight reports how many submissions have not settled.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// Drain waits like Wait. Submissions still unsettled when ctx ends are failed
// with ReasonShutdown at the stage they were in, so a mint with an unknown
// outcome is recorded as failed at minting and can be reconciled. It returns
// how many submissions were abandoned.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	err := p.Wait(ctx)
	if err == nil {
		return 0, nil
	}

	p.mu.Lock()
	pending := make([]*Submission, 0, len(p.inFlight))
	for _, id := range p.inFlight {
		if sub, ok := p.submissions[id]; ok {
			pending = append(pending, sub)
		}
	}
	p.mu.Unlock()

	abandoned := 0
	for _, sub := range pending {
		logger := p.logger.WithFields(logrus.Fields{"submission_id": sub.id, "caller": sub.callerID})
		settled := p.settle(ctx, logger, sub, func(stage domain.State) domain.SubmissionResult {
			return domain.Failed(stage, ReasonShutdown, ErrShutdown)
		})
		sub.stop()
		if settled {
			abandoned++
		}
	}
	return abandoned, err
}

// Wait blocks until every running submission settles or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(ctx context.Context, sub *Submission, req SubmitRequest, first domain.Transition) {
	logger := p.logger.WithFields(logrus.Fields{"submission_id": sub.id, "caller": sub.callerID})
	p.record(ctx, logger, first)

	verdict := domain.Validate(req.Record)
	if sub.isCancelled() {
		p.finish(ctx, logger, sub, domain.Failed(domain.StateValidating, ReasonCancelled, ErrCancelled))
		return
	}
	if !verdict.Accepted {
		p.finish(ctx, logger, sub, domain.Rejected(verdict.Reason))
		return
	}

	if !p.step(ctx, logger, sub, domain.StateAwaitingConfirmation) {
		p.finish(ctx, logger, sub, domain.Failed(domain.StateValidating, ReasonCancelled, ErrCancelled))
		return
	}
	if result, ok := p.confirm(ctx, sub, req); !ok {
		p.finish(ctx, logger, sub, result)
		return
	}

	if !p.step(ctx, logger, sub, domain.StateMinting) {
		p.finish(ctx, logger, sub, domain.Failed(domain.StateAwaitingConfirmation, ReasonCancelled, ErrCancelled))
		return
	}
	p.finish(ctx, logger, sub, p.mint(ctx, logger, sub))
}

func (p *Pipeline) step(ctx context.Context, logger logrus.FieldLogger, sub *Submission, to domain.State) bool {
	t, ok := sub.advance(to, p.now())
	if !ok {
		return false
	}
	logger.WithField("state", to).Debug("submission advanced")
	p.record(ctx, logger, t)
	return true
}

func (p *Pipeline) confirm(ctx context.Context, sub *Submission, req SubmitRequest) (domain.SubmissionResult, bool) {
	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmationTimeout)
	defer cancel()

	err := p.attestor.Attest(confirmCtx, req)
	switch {
	case sub.isCancelled():
		return domain.Failed(domain.StateAwaitingConfirmation, ReasonCancelled, ErrCancelled), false
	case err == nil:
		return domain.SubmissionResult{}, true
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Failed(domain.StateAwaitingConfirmation, ReasonConfirmationTimeout, err), false
	default:
		return domain.Failed(domain.StateAwaitingConfirmation, ReasonConfirmationFailed, err), false
	}
}

type mintMetadata struct {
	SubmissionID    string    `json:"submission_id"`
	Caller          string    `json:"caller"`
	Steps           int       `json:"steps"`
	DurationMinutes int       `json:"duration_minutes"`
	DistanceMeters  int       `json:"distance_meters"`
	ActivityType    string    `json:"activity_type"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// EncodeMetadata renders the on-chain metadata stored with each activity NFT.
func EncodeMetadata(submissionID, callerID string, record domain.ActivityRecord, submittedAt time.Time) (string, error) {
	raw, err := json.Marshal(mintMetadata{
		SubmissionID:    submissionID,
		Caller:          callerID,
		Steps:           record.Steps,
		DurationMinutes: record.DurationMinutes,
		DistanceMeters:  record.DistanceMeters,
		ActivityType:    record.ActivityType,
		SubmittedAt:     submittedAt.UTC(),
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeMetadataSubmissionID extracts the submission id from NFT metadata, or "".
func DecodeMetadataSubmissionID(metadata string) string {
	var meta mintMetadata
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
		return ""
	}
	return meta.SubmissionID
}

// mint runs detached from cancellation so a broadcast transaction always settles.
func (p *Pipeline) mint(ctx context.Context, logger logrus.FieldLogger, sub *Submission) domain.SubmissionResult {
	metadata, err := EncodeMetadata(sub.id, sub.callerID, sub.record, sub.createdAt)
	if err != nil {
		return domain.Failed(domain.StateMinting, ReasonMintFailed, fmt.Errorf("encode metadata: %w", err))
	}

	mintCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.MintTimeout)
	defer cancel()

	receipt, err := p.ledger.MintActivity(mintCtx, sub.recipient, metadata)
	if err != nil {
		reason := ReasonMintFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonMintTimeout
		}
		result := domain.Failed(domain.StateMinting, reason, err)
		var callErr *ledger.ContractCallError
		if errors.As(err, &callErr) && callErr.Broadcast() {
			result.TransactionRef = callErr.TxHash
		}
		logger.WithFields(logrus.Fields{"error": err, "tx_hash": result.TransactionRef}).Warn("mint failed")
		return result
	}

	reward := receipt.Reward
	if reward == nil {
		reward, err = ledger.RetryRead(mintCtx, p.cfg.ReadRetry, p.ledger.GetRewardAmount)
		if err != nil {
			logger.WithFields(logrus.Fields{"tx_hash": receipt.TxHash, "error": err}).Warn("reward amount unavailable after mint")
			reward = new(big.Int)
		}
	}

	// Ids start at 1; a receipt without a usable id cannot back a verified result.
	if receipt.NFTID == nil || !receipt.NFTID.IsUint64() || receipt.NFTID.Sign() == 0 {
		logger.WithFields(logrus.Fields{"tx_hash": receipt.TxHash, "nft_id": receipt.NFTID}).Error("mint receipt carries no usable nft id")
		result := domain.Failed(domain.StateMinting, ReasonMintFailed, fmt.Errorf("%w: tx %s", ErrUnusableNFTID, receipt.TxHash))
		result.TransactionRef = receipt.TxHash
		return result
	}
	nftID := receipt.NFTID.Uint64()
	logger.WithFields(logrus.Fields{"tx_hash": receipt.TxHash, "nft_id": nftID}).Info("activity minted")
	return domain.Verified(nftID, reward, receipt.TxHash)
}

func (p *Pipeline) finish(ctx context.Context, logger logrus.FieldLogger, sub *Submission, result domain.SubmissionResult) {
	p.settle(ctx, logger, sub, func(domain.State) domain.SubmissionResult { return result })
}

func (p *Pipeline) settle(ctx context.Context, logger logrus.FieldLogger, sub *Submission, build func(domain.State) domain.SubmissionResult) bool {
	p.mu.Lock()
	if p.inFlight[sub.callerID] == sub.id {
		delete(p.inFlight, sub.callerID)
	}
	p.mu.Unlock()

	t, ok := sub.settle(build, p.now())
	if !ok {
		return false
	}
	result := *t.Result
	recordSettled(result)

	entry := logger.WithFields(logrus.Fields{"state": t.To, "reason": result.Reason})
	if result.Err != nil && result.Status == domain.StatusFailed {
		entry = entry.WithField("error", result.Err)
	}
	entry.Info("submission settled")

	p.record(ctx, logger, t)
	close(sub.done)

	time.AfterFunc(p.cfg.Retention, func() {
		p.mu.Lock()
		delete(p.submissions, sub.id)
		p.mu.Unlock()
	})
	return true
}

func (p *Pipeline) record(ctx context.Context, logger logrus.FieldLogger, t domain.Transition) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
	defer cancel()
	if err := p.recorder.RecordTransition(recordCtx, t); err != nil {
		recorderErrorCounter.Inc()
		logger.WithFields(logrus.Fields{"state": t.To, "error": err}).Warn("record transition failed")
	}
}
