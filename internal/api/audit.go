package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/blambuer10/human-step-mint/internal/auth"
	"github.com/blambuer10/human-step-mint/internal/domain"
	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/persistence"
	"github.com/blambuer10/human-step-mint/internal/persistence/postgres"
)

const maxAuditLimit = 100

// AuditLog lists the recorded submissions of a caller, including ones no longer held in memory.
type AuditLog interface {
	ListByCaller(ctx context.Context, callerID string, cursor *persistence.Cursor, limit int) ([]postgres.StoredSubmission, *persistence.Cursor, error)
}

// WithAuditLog enables the operator endpoint GET /v1/audit/submissions.
func WithAuditLog(log AuditLog) Option {
	return func(h *Handler) {
		h.audit = log
	}
}

// AuditSubmissionsResponse is the body of GET /v1/audit/submissions.
type AuditSubmissionsResponse struct {
	Items      []SubmissionView `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func (h *Handler) auditSubmissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeAuditRead); !ok {
		return
	}

	caller := r.URL.Query().Get("caller")
	if caller == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "caller is required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxAuditLimit)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	rows, next, err := h.audit.ListByCaller(r.Context(), caller, cursor, limit)
	if err != nil {
		h.logger.WithError(err).WithField("caller", caller).Error("list audit submissions")
		writeError(w, http.StatusInternalServerError, "server_error", "unable to list submissions")
		return
	}

	items := make([]SubmissionView, 0, len(rows))
	for _, row := range rows {
		items = append(items, storedView(row))
	}
	writeJSON(w, http.StatusOK, AuditSubmissionsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func storedView(row postgres.StoredSubmission) SubmissionView {
	view := SubmissionView{
		SubmissionID: row.ID,
		State:        string(row.State),
		Recipient:    row.Recipient,
		Activity: ActivityView{
			ActivityRecord: row.Record,
			Stats:          domain.Derive(row.Record),
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.Status == "" {
		return view
	}

	rv := &ResultView{
		Status:         row.Status,
		TransactionRef: row.TransactionRef,
		Reason:         row.Reason,
		FailedStage:    row.FailedStage,
	}
	if row.NFTID != nil {
		rv.NFTID = uint64(*row.NFTID)
	}
	if reward, ok := new(big.Int).SetString(row.RewardAmount, 10); ok {
		rv.RewardAmount = &Amount{
			BaseUnits: reward.String(),
			Tokens:    ledger.FormatUnits(reward, ledger.DefaultDecimals),
		}
	}
	view.Result = rv
	return view
}
