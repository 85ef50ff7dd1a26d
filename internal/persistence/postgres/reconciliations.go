package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reconciliation outcomes. OutcomeMinted is final; OutcomeNotMinted may be
// replaced by a later scan that finds the mint.
const (
	OutcomeMinted    = "minted"
	OutcomeNotMinted = "not_minted"
)

// Reconciliation records what the ledger showed for a submission whose mint outcome was unknown.
type Reconciliation struct {
	SubmissionID   string
	CallerID       string
	Outcome        string
	NFTID          *int64
	ScannedFrom    int64
	ScannedTo      int64
	TransactionRef string
	// Attempts counts the scans stored for the submission.
	Attempts     int
	ReconciledAt time.Time
}

// SaveReconciliation stores the reconciliation and, when the NFT was found, backfills
// the submission row with it. A stored minted result is never overwritten; a stored
// not_minted result is replaced and its attempt count incremented.
func (r *Repository) SaveReconciliation(ctx context.Context, rec Reconciliation) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx,
		`INSERT INTO mint_reconciliations (submission_id, caller_id, outcome, nft_id, scanned_from, scanned_to, transaction_ref, reconciled_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT (submission_id) DO UPDATE SET
             outcome = EXCLUDED.outcome,
             nft_id = EXCLUDED.nft_id,
             scanned_from = EXCLUDED.scanned_from,
             scanned_to = EXCLUDED.scanned_to,
             transaction_ref = COALESCE(EXCLUDED.transaction_ref, mint_reconciliations.transaction_ref),
             attempts = mint_reconciliations.attempts + 1,
             reconciled_at = EXCLUDED.reconciled_at
         WHERE mint_reconciliations.outcome = 'not_minted'`,
		rec.SubmissionID, rec.CallerID, rec.Outcome, rec.NFTID, rec.ScannedFrom, rec.ScannedTo, nullIfEmpty(rec.TransactionRef), rec.ReconciledAt,
	)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 1 && rec.Outcome == OutcomeMinted && rec.NFTID != nil {
		if _, err = tx.Exec(ctx,
			`UPDATE submissions SET nft_id = $1, updated_at = $2 WHERE submission_id = $3 AND nft_id IS NULL`,
			*rec.NFTID, rec.ReconciledAt, rec.SubmissionID,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

const reconciliationColumns = `submission_id, caller_id, outcome, nft_id, scanned_from, scanned_to, COALESCE(transaction_ref, ''), attempts, reconciled_at`

func scanReconciliation(row pgx.Row) (Reconciliation, error) {
	var rec Reconciliation
	err := row.Scan(&rec.SubmissionID, &rec.CallerID, &rec.Outcome, &rec.NFTID, &rec.ScannedFrom, &rec.ScannedTo, &rec.TransactionRef, &rec.Attempts, &rec.ReconciledAt)
	return rec, err
}

// GetReconciliation returns the stored reconciliation for a submission, or nil when none exists.
func (r *Repository) GetReconciliation(ctx context.Context, submissionID string) (*Reconciliation, error) {
	rec, err := scanReconciliation(r.pool.QueryRow(ctx,
		`SELECT `+reconciliationColumns+` FROM mint_reconciliations WHERE submission_id = $1`,
		submissionID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// PendingReconciliations lists not_minted reconciliations scanned fewer than
// maxAttempts times, least recently scanned first.
func (r *Repository) PendingReconciliations(ctx context.Context, maxAttempts, limit int) ([]Reconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+reconciliationColumns+` FROM mint_reconciliations
         WHERE outcome = 'not_minted' AND attempts < $1
         ORDER BY reconciled_at
         LIMIT $2`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reconciliation
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
