package db_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/db"
	"blinkgate/internal/db/testutil"
)

func TestOffers(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	ctx := context.Background()

	t.Run("create and get by slug", func(t *testing.T) {
		tdb.Truncate(t)
		created := testutil.CreateChargeOffer(t, tdb.DB, "summarize")

		got, err := tdb.DB.GetOfferBySlug(ctx, "summarize")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, db.OfferModeCharge, got.Mode)
		assert.Equal(t, db.OfferStatusActive, got.Status)
		assert.Equal(t, created.PriceAtomic, got.PriceAtomic)
		assert.Equal(t, "healthy", string(got.Health))
	})

	t.Run("slug conflict", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "taken")

		dup := *offer
		dup.ID = offer.ID
		err := tdb.DB.CreateOffer(ctx, &dup)
		assert.ErrorIs(t, err, db.ErrSlugTaken)
	})

	t.Run("unknown slug", func(t *testing.T) {
		tdb.Truncate(t)
		_, err := tdb.DB.GetOfferBySlug(ctx, "missing")
		assert.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("status lifecycle", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "pausable")

		require.NoError(t, tdb.DB.UpdateOfferStatus(ctx, offer.ID, db.OfferStatusPaused))
		got, err := tdb.DB.GetOfferByID(ctx, offer.ID)
		require.NoError(t, err)
		assert.Equal(t, db.OfferStatusPaused, got.Status)
	})

	t.Run("dispatch outcomes degrade health", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateChargeOffer(t, tdb.DB, "flaky")

		for i := 0; i < 3; i++ {
			require.NoError(t, tdb.DB.RecordDispatchOutcome(ctx, offer.ID, false))
		}

		got, err := tdb.DB.GetOfferByID(ctx, offer.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.FailureCount)
		assert.NotEqual(t, "healthy", string(got.Health))
	})

	t.Run("reward offer round-trips optional fields", func(t *testing.T) {
		tdb.Truncate(t)
		offer := testutil.CreateRewardOffer(t, tdb.DB, "follow-us")

		got, err := tdb.DB.GetOfferBySlug(ctx, "follow-us")
		require.NoError(t, err)
		require.NotNil(t, got.RewardAtomic)
		assert.Equal(t, *offer.RewardAtomic, *got.RewardAtomic)
		require.NotNil(t, got.MaxClaimsPerUser)
		assert.Equal(t, 3, *got.MaxClaimsPerUser)
	})

	t.Run("list", func(t *testing.T) {
		tdb.Truncate(t)
		testutil.CreateChargeOffer(t, tdb.DB, "one")
		testutil.CreateChargeOffer(t, tdb.DB, "two")

		offers, err := tdb.DB.ListOffers(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, offers, 2)
	})
}
