package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/events"
	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/persistence/postgres"
	"github.com/blambuer10/human-step-mint/internal/pipeline"
)

const (
	// DefaultScanDepth is how many of the most recent NFT ids are inspected per reconciliation.
	DefaultScanDepth = 50
	// DefaultRecheckAttempts bounds how often a not_minted result is rescanned.
	DefaultRecheckAttempts = 10
)

// MintLedger is the read surface needed to look for a mint on-chain.
type MintLedger interface {
	NextID(ctx context.Context) (*big.Int, error)
	ActivityMeta(ctx context.Context, id *big.Int) (string, error)
}

// ReconciliationStore persists reconciliation results.
type ReconciliationStore interface {
	GetReconciliation(ctx context.Context, submissionID string) (*postgres.Reconciliation, error)
	SaveReconciliation(ctx context.Context, rec postgres.Reconciliation) error
	PendingReconciliations(ctx context.Context, maxAttempts, limit int) ([]postgres.Reconciliation, error)
}

// ReconciliationHandler resolves submissions that failed while minting. The
// mint transaction may have landed even though the pipeline gave up on it, so
// the most recent NFTs are searched for one whose metadata names the submission.
// A not_minted result stays open: redeliveries and Recheck scan again until the
// mint is found or the attempts run out.
type ReconciliationHandler struct {
	ledger          MintLedger
	store           ReconciliationStore
	scanDepth       int64
	grace           time.Duration
	recheckAttempts int
	retry           ledger.RetryPolicy
	logger          logrus.FieldLogger
	now             func() time.Time
}

// HandlerOption configures a ReconciliationHandler.
type HandlerOption func(*ReconciliationHandler)

// WithScanDepth overrides DefaultScanDepth.
func WithScanDepth(depth int) HandlerOption {
	return func(h *ReconciliationHandler) {
		if depth > 0 {
			h.scanDepth = int64(depth)
		}
	}
}

// WithConfirmationGrace delays the first scan until grace has passed since the
// submission settled, giving a still pending mint transaction time to land.
func WithConfirmationGrace(grace time.Duration) HandlerOption {
	return func(h *ReconciliationHandler) {
		if grace > 0 {
			h.grace = grace
		}
	}
}

// WithRecheckAttempts overrides DefaultRecheckAttempts.
func WithRecheckAttempts(attempts int) HandlerOption {
	return func(h *ReconciliationHandler) {
		if attempts > 0 {
			h.recheckAttempts = attempts
		}
	}
}

// WithReadRetry sets the retry policy for ledger reads.
func WithReadRetry(policy ledger.RetryPolicy) HandlerOption {
	return func(h *ReconciliationHandler) {
		h.retry = policy
	}
}

// WithHandlerLogger overrides the handler logger.
func WithHandlerLogger(logger logrus.FieldLogger) HandlerOption {
	return func(h *ReconciliationHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewReconciliationHandler constructs a handler.
func NewReconciliationHandler(chain MintLedger, store ReconciliationStore, opts ...HandlerOption) *ReconciliationHandler {
	h := &ReconciliationHandler{
		ledger:          chain,
		store:           store,
		scanDepth:       DefaultScanDepth,
		recheckAttempts: DefaultRecheckAttempts,
		retry:           ledger.DefaultRetryPolicy,
		logger:          logrus.StandardLogger().WithField("component", "reconciler"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle reconciles settled events that need it and ignores everything else.
func (h *ReconciliationHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSubmissionSettled {
		return nil
	}

	var settled events.SubmissionSettled
	if err := json.Unmarshal(msg.Payload, &settled); err != nil {
		// A malformed payload will never decode; committing it avoids a poison pill.
		h.logger.WithError(err).WithField("offset", msg.Offset).Warn("skipping undecodable settled event")
		return nil
	}
	if !settled.NeedsReconciliation() {
		return nil
	}

	existing, err := h.store.GetReconciliation(ctx, settled.SubmissionID)
	if err != nil {
		return fmt.Errorf("load reconciliation: %w", err)
	}
	if existing != nil && existing.Outcome == postgres.OutcomeMinted {
		return nil
	}

	if existing == nil {
		if err := h.awaitGrace(ctx, settled.SettledAt); err != nil {
			return err
		}
	}
	_, err = h.reconcileAndSave(ctx, settled.SubmissionID, settled.CallerID, settled.TransactionRef)
	return err
}

// Recheck rescans up to limit not_minted reconciliations and returns how many
// turned out to be minted.
func (h *ReconciliationHandler) Recheck(ctx context.Context, limit int) (int, error) {
	pending, err := h.store.PendingReconciliations(ctx, h.recheckAttempts, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending reconciliations: %w", err)
	}
	found := 0
	for _, prev := range pending {
		rec, err := h.reconcileAndSave(ctx, prev.SubmissionID, prev.CallerID, prev.TransactionRef)
		if err != nil {
			return found, err
		}
		if rec.Outcome == postgres.OutcomeMinted {
			found++
		}
	}
	return found, nil
}

func (h *ReconciliationHandler) reconcileAndSave(ctx context.Context, submissionID, callerID, txRef string) (postgres.Reconciliation, error) {
	rec, err := h.Reconcile(ctx, submissionID)
	if err != nil {
		return rec, err
	}
	rec.CallerID = callerID
	rec.TransactionRef = txRef

	if err := h.store.SaveReconciliation(ctx, rec); err != nil {
		return rec, fmt.Errorf("save reconciliation: %w", err)
	}
	reconciliationCounter.WithLabelValues(rec.Outcome).Inc()

	fields := logrus.Fields{
		"submission_id": submissionID,
		"caller":        callerID,
		"outcome":       rec.Outcome,
		"scanned_from":  rec.ScannedFrom,
		"scanned_to":    rec.ScannedTo,
	}
	if txRef != "" {
		fields["tx_hash"] = txRef
	}
	if rec.NFTID != nil {
		fields["nft_id"] = *rec.NFTID
	}
	h.logger.WithFields(fields).Info("mint reconciled")
	return rec, nil
}

func (h *ReconciliationHandler) awaitGrace(ctx context.Context, settledAt time.Time) error {
	if h.grace <= 0 || settledAt.IsZero() {
		return nil
	}
	wait := settledAt.Add(h.grace).Sub(h.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile searches the most recent NFT ids, newest first, for one minted for submissionID.
func (h *ReconciliationHandler) Reconcile(ctx context.Context, submissionID string) (postgres.Reconciliation, error) {
	next, err := ledger.RetryRead(ctx, h.retry, h.ledger.NextID)
	if err != nil {
		return postgres.Reconciliation{}, fmt.Errorf("read next id: %w", err)
	}

	to := next.Int64() - 1
	from := to - h.scanDepth + 1
	if from < 0 {
		from = 0
	}

	rec := postgres.Reconciliation{
		SubmissionID: submissionID,
		Outcome:      postgres.OutcomeNotMinted,
		ScannedFrom:  from,
		ScannedTo:    to,
		ReconciledAt: h.now().UTC(),
	}

	for id := to; id >= from; id-- {
		tokenID := big.NewInt(id)
		meta, err := ledger.RetryRead(ctx, h.retry, func(ctx context.Context) (string, error) {
			return h.ledger.ActivityMeta(ctx, tokenID)
		})
		if err != nil {
			return postgres.Reconciliation{}, fmt.Errorf("read metadata of %d: %w", id, err)
		}
		scannedTokensCounter.Inc()

		if pipeline.DecodeMetadataSubmissionID(meta) == submissionID {
			found := id
			rec.Outcome = postgres.OutcomeMinted
			rec.NFTID = &found
			return rec, nil
		}
	}
	return rec, nil
}
