// Package api exposes HTTP handlers for activity submissions and reward reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/auth"
	"github.com/blambuer10/human-step-mint/internal/domain"
	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/pipeline"
)

const maxBodyBytes = 64 << 10

// Submissions is the pipeline surface used by the handlers.
type Submissions interface {
	Begin(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.Submission, error)
	Get(id, callerID string) (*pipeline.Submission, error)
	Cancel(id, callerID string) error
}

// RewardReader is the read-only ledger surface used by the reward endpoints.
type RewardReader interface {
	GetRewardAmount(ctx context.Context) (*big.Int, error)
	GetBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	TokenMetadata(ctx context.Context) (ledger.TokenMetadata, error)
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the logger used for request errors.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithLimiter throttles submissions per caller.
func WithLimiter(limiter *CallerLimiter) Option {
	return func(h *Handler) {
		h.limiter = limiter
	}
}

// WithWaitTimeout bounds how long ?wait=true blocks.
func WithWaitTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.waitTimeout = d
	}
}

// WithContracts sets the contract pair reported by GET /v1/rewards.
func WithContracts(addrs ledger.Addresses) Option {
	return func(h *Handler) {
		h.contracts = addrs
	}
}

// WithReadRetry overrides the retry policy for ledger reads.
func WithReadRetry(policy ledger.RetryPolicy) Option {
	return func(h *Handler) {
		h.readRetry = policy
	}
}

// Handler coordinates HTTP requests with the submission pipeline and the ledger.
type Handler struct {
	submissions Submissions
	rewards     RewardReader
	audit       AuditLog
	limiter     *CallerLimiter
	contracts   ledger.Addresses
	readRetry   ledger.RetryPolicy
	waitTimeout time.Duration
	logger      logrus.FieldLogger
}

// NewHandler builds a Handler.
func NewHandler(submissions Submissions, rewards RewardReader, opts ...Option) *Handler {
	h := &Handler{
		submissions: submissions,
		rewards:     rewards,
		readRetry:   ledger.DefaultRetryPolicy,
		waitTimeout: 3 * time.Minute,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/submissions", h.createSubmission)
	if h.audit != nil {
		mux.HandleFunc("GET /v1/audit/submissions", h.auditSubmissions)
	}
	mux.HandleFunc("GET /v1/submissions/{id}", h.getSubmission)
	mux.HandleFunc("POST /v1/submissions/{id}/cancel", h.cancelSubmission)
	mux.HandleFunc("GET /v1/rewards", h.rewardInfo)
	mux.HandleFunc("GET /v1/rewards/balance", h.rewardBalance)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) createSubmission(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}
	if !h.limiter.Allow(claims.Subject) {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions; slow down")
		return
	}

	req, err := decodeSubmission(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	sub, err := h.submissions.Begin(r.Context(), pipeline.SubmitRequest{
		CallerID:  claims.Subject,
		Recipient: req.RecipientAddress(),
		Record:    req.Record(),
	})
	switch {
	case errors.Is(err, domain.ErrSubmissionInProgress):
		writeError(w, http.StatusConflict, "submission_in_progress", "a submission is already in flight for this caller")
		return
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	case err != nil:
		h.logger.WithError(err).Error("begin submission")
		writeError(w, http.StatusInternalServerError, "server_error", "unable to start submission")
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		h.awaitResult(w, r, sub)
		return
	}
	writeJSON(w, http.StatusAccepted, toSubmissionView(sub.Snapshot()))
}

func (h *Handler) awaitResult(w http.ResponseWriter, r *http.Request, sub *pipeline.Submission) {
	timer := time.NewTimer(h.waitTimeout)
	defer timer.Stop()

	select {
	case <-sub.Done():
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	snap := sub.Snapshot()
	writeJSON(w, resultStatus(snap.Result), toSubmissionView(snap))
}

// resultStatus maps a terminal result to the HTTP status returned in wait mode.
func resultStatus(result *domain.SubmissionResult) int {
	if result == nil {
		return http.StatusAccepted
	}
	switch result.Status {
	case domain.StatusVerified:
		return http.StatusOK
	case domain.StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) getSubmission(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	sub, err := h.submissions.Get(r.PathValue("id"), claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionView(sub.Snapshot()))
}

func (h *Handler) cancelSubmission(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	id := r.PathValue("id")
	err := h.submissions.Cancel(id, claims.Subject)
	switch {
	case errors.Is(err, domain.ErrSubmissionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "submission not found")
		return
	case errors.Is(err, pipeline.ErrCancelRefused), errors.Is(err, pipeline.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "cancel_refused", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	sub, err := h.submissions.Get(id, claims.Subject)
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionView(sub.Snapshot()))
}

func (h *Handler) rewardInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeRewardsRead); !ok {
		return
	}

	reward, err := ledger.RetryRead(r.Context(), h.readRetry, h.rewards.GetRewardAmount)
	if err != nil {
		h.ledgerError(w, "read reward amount", err)
		return
	}
	meta, err := ledger.RetryRead(r.Context(), h.readRetry, h.rewards.TokenMetadata)
	if err != nil {
		h.ledgerError(w, "read token metadata", err)
		return
	}

	writeJSON(w, http.StatusOK, RewardInfoResponse{
		RewardPerActivity: Amount{
			BaseUnits: reward.String(),
			Tokens:    ledger.FormatUnits(reward, meta.Decimals),
		},
		Token: TokenView{
			Address:     h.contracts.Token.Hex(),
			Name:        meta.Name,
			Symbol:      meta.Symbol,
			Decimals:    meta.Decimals,
			TotalSupply: ledger.FormatUnits(meta.TotalSupply, meta.Decimals),
		},
		NFTContract: h.contracts.NFT.Hex(),
	})
}

func (h *Handler) rewardBalance(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeRewardsRead); !ok {
		return
	}

	raw := r.URL.Query().Get("address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "validation_failed", "address must be a 0x-prefixed 20 byte hex address")
		return
	}
	holder := common.HexToAddress(raw)

	balance, err := ledger.RetryRead(r.Context(), h.readRetry, func(ctx context.Context) (*big.Int, error) {
		return h.rewards.GetBalance(ctx, holder)
	})
	if err != nil {
		h.ledgerError(w, "read balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		Address: holder.Hex(),
		Balance: Amount{
			BaseUnits: balance.String(),
			Tokens:    ledger.FormatUnits(balance, ledger.DefaultDecimals),
		},
	})
}

func (h *Handler) ledgerError(w http.ResponseWriter, op string, err error) {
	h.logger.WithError(err).WithField("op", op).Warn("ledger read failed")
	writeError(w, http.StatusBadGateway, "ledger_unavailable", op+" failed")
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// ActivityView echoes the submitted activity with derived display metrics.
type ActivityView struct {
	domain.ActivityRecord
	Stats domain.ActivityStats `json:"stats"`
}

// ResultView is the terminal outcome of a submission.
type ResultView struct {
	Status         string  `json:"status"`
	NFTID          uint64  `json:"nft_id,omitempty"`
	RewardAmount   *Amount `json:"reward_amount,omitempty"`
	TransactionRef string  `json:"transaction_ref,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	FailedStage    string  `json:"failed_stage,omitempty"`
}

// SubmissionView exposes the current state of a submission.
type SubmissionView struct {
	SubmissionID string       `json:"submission_id"`
	State        string       `json:"state"`
	Recipient    string       `json:"recipient"`
	Activity     ActivityView `json:"activity"`
	Result       *ResultView  `json:"result,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Amount carries a token quantity both in base units and in whole tokens.
type Amount struct {
	BaseUnits string `json:"base_units"`
	Tokens    string `json:"tokens"`
}

// TokenView describes the reward token.
type TokenView struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"total_supply"`
}

// RewardInfoResponse is the body of GET /v1/rewards.
type RewardInfoResponse struct {
	RewardPerActivity Amount    `json:"reward_per_activity"`
	Token             TokenView `json:"token"`
	NFTContract       string    `json:"nft_contract"`
}

// BalanceResponse is the body of GET /v1/rewards/balance.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance Amount `json:"balance"`
}

func toSubmissionView(snap pipeline.Snapshot) SubmissionView {
	view := SubmissionView{
		SubmissionID: snap.ID,
		State:        string(snap.State),
		Recipient:    snap.Recipient.Hex(),
		Activity: ActivityView{
			ActivityRecord: snap.Record,
			Stats:          domain.Derive(snap.Record),
		},
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
	if result := snap.Result; result != nil {
		rv := &ResultView{
			Status:         string(result.Status),
			NFTID:          result.NFTID,
			TransactionRef: result.TransactionRef,
			Reason:         result.Reason,
			FailedStage:    string(result.FailedStage),
		}
		if result.RewardAmount != nil {
			rv.RewardAmount = &Amount{
				BaseUnits: result.RewardAmount.String(),
				Tokens:    ledger.FormatUnits(result.RewardAmount, ledger.DefaultDecimals),
			}
		}
		view.Result = rv
	}
	return view
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
