package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/db"
	"blinkgate/internal/db/testutil"
	"blinkgate/internal/token"
)

func TestRefunds(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	ctx := context.Background()

	t.Run("issue records creator debt", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "summarize")
		run := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-1")

		refund := &db.Refund{
			RunID:        run.ID,
			OfferID:      offer.ID,
			PayerWallet:  run.PayerWallet,
			AmountAtomic: offer.PriceAtomic,
		}
		require.NoError(t, tdb.DB.CreateRefund(ctx, refund))
		assert.Equal(t, db.RefundStatusPending, refund.Status)

		require.NoError(t, tdb.DB.MarkRefundIssued(ctx, refund.ID, "refund-sig", offer.CreatorID))

		got, err := tdb.DB.GetRefundByRunID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, db.RefundStatusIssued, got.Status)
		require.NotNil(t, got.Signature)
		assert.Equal(t, "refund-sig", *got.Signature)
		assert.NotNil(t, got.IssuedAt)

		debts, err := tdb.DB.ListCreatorDebts(ctx, offer.CreatorID)
		require.NoError(t, err)
		require.Len(t, debts, 1)
		assert.Equal(t, refund.ID, debts[0].RefundID)
		assert.Equal(t, token.Amount(10_000), debts[0].AmountAtomic)
		assert.False(t, debts[0].Settled)
	})

	t.Run("issue is one-shot", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "summarize")
		run := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-2")

		refund := &db.Refund{RunID: run.ID, OfferID: offer.ID, PayerWallet: "p", AmountAtomic: 1}
		require.NoError(t, tdb.DB.CreateRefund(ctx, refund))
		require.NoError(t, tdb.DB.MarkRefundIssued(ctx, refund.ID, "sig-1", offer.CreatorID))

		err := tdb.DB.MarkRefundIssued(ctx, refund.ID, "sig-2", offer.CreatorID)
		assert.ErrorIs(t, err, db.ErrRefundNotFound)
	})

	t.Run("failure records reason", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "summarize")
		run := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-3")

		refund := &db.Refund{RunID: run.ID, OfferID: offer.ID, PayerWallet: "p", AmountAtomic: 1}
		require.NoError(t, tdb.DB.CreateRefund(ctx, refund))
		require.NoError(t, tdb.DB.MarkRefundFailed(ctx, refund.ID, "node unreachable"))

		got, err := tdb.DB.GetRefundByRunID(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, db.RefundStatusFailed, got.Status)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "node unreachable", *got.LastError)
	})

	t.Run("pending queue for worker", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "summarize")
		runA := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-a")
		runB := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-b")

		first := &db.Refund{RunID: runA.ID, OfferID: offer.ID, PayerWallet: "p", AmountAtomic: 1}
		require.NoError(t, tdb.DB.CreateRefund(ctx, first))
		second := &db.Refund{RunID: runB.ID, OfferID: offer.ID, PayerWallet: "p", AmountAtomic: 1}
		require.NoError(t, tdb.DB.CreateRefund(ctx, second))
		require.NoError(t, tdb.DB.MarkRefundIssued(ctx, second.ID, "sig", offer.CreatorID))

		pending, err := tdb.DB.GetPendingRefunds(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, first.ID, pending[0].ID)
	})

	t.Run("missing refund", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "summarize")
		run := testutil.CreatePaidRun(t, tdb.DB, offer.ID, "ref-none")

		_, err := tdb.DB.GetRefundByRunID(ctx, run.ID)
		assert.ErrorIs(t, err, db.ErrRefundNotFound)
	})
}
