package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blinkgate/internal/token"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RefundStatus is the lifecycle of a refund attempt.
type RefundStatus string

const (
	RefundStatusPending RefundStatus = "pending"
	RefundStatusIssued  RefundStatus = "issued"
	RefundStatusFailed  RefundStatus = "failed"
)

// Refund is a side-table row keyed by run id. The run owns the relationship;
// lookups in the other direction go through GetRefundByRunID.
type Refund struct {
	ID           uuid.UUID    `json:"id"`
	RunID        uuid.UUID    `json:"run_id"`
	OfferID      uuid.UUID    `json:"offer_id"`
	PayerWallet  string       `json:"payer_wallet"`
	AmountAtomic token.Amount `json:"amount_atomic"`
	Status       RefundStatus `json:"status"`
	Signature    *string      `json:"signature,omitempty"`
	LastError    *string      `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	IssuedAt     *time.Time   `json:"issued_at,omitempty"`
}

// CreatorDebt is the ledger entry owed by an offer's creator to the platform
// after a refund was issued on their behalf.
type CreatorDebt struct {
	ID           uuid.UUID    `json:"id"`
	CreatorID    uuid.UUID    `json:"creator_id"`
	OfferID      uuid.UUID    `json:"offer_id"`
	RefundID     uuid.UUID    `json:"refund_id"`
	AmountAtomic token.Amount `json:"amount_atomic"`
	Settled      bool         `json:"settled"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ErrRefundNotFound is returned when no refund matches the lookup.
var ErrRefundNotFound = errors.New("refund not found")

const refundColumns = `
	id, run_id, offer_id, payer_wallet, amount_atomic, status,
	signature, last_error, created_at, issued_at`

// CreateRefund inserts a pending refund row for a run.
func (db *DB) CreateRefund(ctx context.Context, r *Refund) error {
	query := `
		INSERT INTO refunds (run_id, offer_id, payer_wallet, amount_atomic, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := db.QueryRow(ctx, query,
		r.RunID, r.OfferID, r.PayerWallet, r.AmountAtomic, RefundStatusPending,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	r.Status = RefundStatusPending
	return nil
}

// MarkRefundIssued records the broadcast signature and, in the same
// transaction, inserts the paired creator-debt row.
func (db *DB) MarkRefundIssued(ctx context.Context, refundID uuid.UUID, signature string, creatorID uuid.UUID) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var offerID uuid.UUID
	var amount token.Amount
	err = tx.QueryRow(ctx, `
		UPDATE refunds SET status = 'issued', signature = $2, issued_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING offer_id, amount_atomic
	`, refundID, signature).Scan(&offerID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRefundNotFound
		}
		return fmt.Errorf("failed to mark refund issued: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO creator_debts (creator_id, offer_id, refund_id, amount_atomic)
		VALUES ($1, $2, $3, $4)
	`, creatorID, offerID, refundID, amount)
	if err != nil {
		return fmt.Errorf("failed to create creator debt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit refund issue: %w", err)
	}
	return nil
}

// MarkRefundFailed records the failure reason for manual intervention.
func (db *DB) MarkRefundFailed(ctx context.Context, refundID uuid.UUID, reason string) error {
	result, err := db.ExecResult(ctx, `
		UPDATE refunds SET status = 'failed', last_error = $2 WHERE id = $1
	`, refundID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark refund failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRefundNotFound
	}
	return nil
}

// GetRefundByRunID returns the most recent refund for a run.
func (db *DB) GetRefundByRunID(ctx context.Context, runID uuid.UUID) (*Refund, error) {
	row := db.QueryRow(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1
	`, runID)
	return scanRefund(row)
}

// GetPendingRefunds returns pending refunds for worker retry, oldest first.
func (db *DB) GetPendingRefunds(ctx context.Context, limit int) ([]*Refund, error) {
	rows, err := db.Query(ctx, `
		SELECT `+refundColumns+` FROM refunds
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending refunds: %w", err)
	}
	defer rows.Close()

	var refunds []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// ListCreatorDebts returns unsettled debts for a creator.
func (db *DB) ListCreatorDebts(ctx context.Context, creatorID uuid.UUID) ([]*CreatorDebt, error) {
	rows, err := db.Query(ctx, `
		SELECT id, creator_id, offer_id, refund_id, amount_atomic, settled, created_at
		FROM creator_debts WHERE creator_id = $1 AND NOT settled
		ORDER BY created_at ASC
	`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list creator debts: %w", err)
	}
	defer rows.Close()

	var debts []*CreatorDebt
	for rows.Next() {
		var d CreatorDebt
		if err := rows.Scan(&d.ID, &d.CreatorID, &d.OfferID, &d.RefundID,
			&d.AmountAtomic, &d.Settled, &d.CreatedAt); err != nil {
			return nil, err
		}
		debts = append(debts, &d)
	}
	return debts, rows.Err()
}

func scanRefund(row pgx.Row) (*Refund, error) {
	var r Refund
	err := row.Scan(
		&r.ID, &r.RunID, &r.OfferID, &r.PayerWallet, &r.AmountAtomic,
		&r.Status, &r.Signature, &r.LastError, &r.CreatedAt, &r.IssuedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("failed to scan refund: %w", err)
	}
	return &r, nil
}
