// Package refund returns a verified payment to its payer when upstream
// execution failed, and books the matching debt against the offer's creator.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"blinkgate/internal/db"
	"blinkgate/internal/wallet"
)

// Store is the slice of the durable store the manager needs.
type Store interface {
	CreateRefund(ctx context.Context, r *db.Refund) error
	MarkRefundIssued(ctx context.Context, refundID uuid.UUID, signature string, creatorID uuid.UUID) error
	MarkRefundFailed(ctx context.Context, refundID uuid.UUID, reason string) error
	GetRefundByRunID(ctx context.Context, runID uuid.UUID) (*db.Refund, error)
}

// Transferer builds and broadcasts the refund transfer. The production
// implementation is the platform refund *wallet.Wallet.
type Transferer interface {
	Address() string
	BuildTransfer(ctx context.Context, p wallet.TransferParams) (*solana.Transaction, error)
	BroadcastAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Status is the refund block attached to 500 responses.
type Status struct {
	Issued    bool   `json:"issued"`
	Status    string `json:"status"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Manager issues refunds from the platform refund wallet.
type Manager struct {
	store  Store
	wallet Transferer
	logger *slog.Logger
}

// NewManager creates a refund Manager.
func NewManager(store Store, w Transferer, logger *slog.Logger) *Manager {
	return &Manager{store: store, wallet: w, logger: logger}
}

// RefundRun refunds the run's payment to its payer. It is only meaningful
// when the run carries both a signature and a payer; a payment proved via a
// trusted tx hash has no known payer, so the refund is reported
// not-applicable rather than sent blind.
//
// The returned Status is always non-nil; failures are folded into it so the
// caller can attach it to the error response.
func (m *Manager) RefundRun(ctx context.Context, offer *db.Offer, run *db.Run) *Status {
	if run.Signature == nil || run.PayerWallet == "" {
		return &Status{
			Issued:  false,
			Status:  "not-applicable",
			Message: "payer wallet unknown, refund requires manual intervention",
		}
	}

	// A refund already confirmed for this run is simply reported again.
	if existing, err := m.store.GetRefundByRunID(ctx, run.ID); err == nil && existing.Status == db.RefundStatusIssued {
		sig := ""
		if existing.Signature != nil {
			sig = *existing.Signature
		}
		return &Status{Issued: true, Status: "issued", Signature: sig}
	} else if err != nil && !errors.Is(err, db.ErrRefundNotFound) {
		m.logger.Error("failed to look up existing refund", "run_id", run.ID, "error", err)
	}

	refund := &db.Refund{
		RunID:        run.ID,
		OfferID:      offer.ID,
		PayerWallet:  run.PayerWallet,
		AmountAtomic: offer.PriceAtomic,
	}
	if err := m.store.CreateRefund(ctx, refund); err != nil {
		m.logger.Error("failed to create refund row", "run_id", run.ID, "error", err)
		return &Status{Issued: false, Status: "failed", Message: "refund could not be recorded"}
	}

	sig, err := m.issue(ctx, offer, run)
	if err != nil {
		m.logger.Error("refund broadcast failed",
			"run_id", run.ID, "refund_id", refund.ID, "payer", run.PayerWallet, "error", err)
		if markErr := m.store.MarkRefundFailed(ctx, refund.ID, err.Error()); markErr != nil {
			m.logger.Error("failed to mark refund failed", "refund_id", refund.ID, "error", markErr)
		}
		return &Status{Issued: false, Status: "failed", Message: "refund transfer failed, flagged for manual intervention"}
	}

	if err := m.store.MarkRefundIssued(ctx, refund.ID, sig, offer.CreatorID); err != nil {
		// The transfer landed; only the bookkeeping is behind.
		m.logger.Error("refund issued but not recorded", "refund_id", refund.ID, "signature", sig, "error", err)
	}

	m.logger.Info("refund issued",
		"refund_id", refund.ID, "offer", offer.Slug, "amount", offer.PriceAtomic.Atomic(), "signature", sig)
	return &Status{Issued: true, Status: "issued", Signature: sig}
}

// Reissue retries a pending refund row. The background worker calls this
// for refunds whose in-request broadcast never completed, for example after
// a crash between CreateRefund and MarkRefundIssued.
func (m *Manager) Reissue(ctx context.Context, offer *db.Offer, r *db.Refund) error {
	tx, err := m.wallet.BuildTransfer(ctx, wallet.TransferParams{
		Recipient: r.PayerWallet,
		Mint:      offer.PaymentToken,
		Amount:    r.AmountAtomic,
		Memo:      fmt.Sprintf("refund:%s", offer.Slug),
	})
	if err != nil {
		return fmt.Errorf("failed to build refund transfer: %w", err)
	}

	sig, err := m.wallet.BroadcastAndConfirm(ctx, tx)
	if err != nil {
		if markErr := m.store.MarkRefundFailed(ctx, r.ID, err.Error()); markErr != nil {
			m.logger.Error("failed to mark refund failed", "refund_id", r.ID, "error", markErr)
		}
		return err
	}

	if err := m.store.MarkRefundIssued(ctx, r.ID, sig.String(), offer.CreatorID); err != nil {
		m.logger.Error("refund issued but not recorded", "refund_id", r.ID, "signature", sig.String(), "error", err)
	}

	m.logger.Info("pending refund reissued",
		"refund_id", r.ID, "offer", offer.Slug, "amount", r.AmountAtomic.Atomic(), "signature", sig.String())
	return nil
}

// issue builds, signs and broadcasts the refund transfer, waiting for
// confirmation. The run's reference rides along so the refund is traceable
// by the same scan that finds payments.
func (m *Manager) issue(ctx context.Context, offer *db.Offer, run *db.Run) (string, error) {
	params := wallet.TransferParams{
		Recipient: run.PayerWallet,
		Mint:      offer.PaymentToken,
		Amount:    offer.PriceAtomic,
		Memo:      fmt.Sprintf("refund:%s", offer.Slug),
		Reference: referenceIfAddress(run.Reference),
	}
	tx, err := m.wallet.BuildTransfer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to build refund transfer: %w", err)
	}
	sig, err := m.wallet.BroadcastAndConfirm(ctx, tx)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// referenceIfAddress keeps the reference on the transfer only when it is a
// valid account key; other reference formats just ride in the memo trail.
func referenceIfAddress(reference string) string {
	if _, err := solana.PublicKeyFromBase58(reference); err != nil {
		return ""
	}
	return reference
}
