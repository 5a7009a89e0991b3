package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"blinkgate/internal/db"
	"blinkgate/internal/token"
)

// CreateChargeOffer inserts an active charge offer and returns it.
func CreateChargeOffer(t *testing.T, database *db.DB, slug string) *db.Offer {
	t.Helper()

	offer := &db.Offer{
		Slug:            slug,
		Title:           "Test offer " + slug,
		Description:     "Pay-per-call test endpoint",
		UpstreamURL:     "https://api.example.com/" + slug,
		UpstreamMethod:  "POST",
		PriceAtomic:     token.Amount(10_000),
		Mode:            db.OfferModeCharge,
		Status:          db.OfferStatusActive,
		PaymentToken:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		RecipientWallet: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		CreatorID:       uuid.New(),
	}
	if err := database.CreateOffer(context.Background(), offer); err != nil {
		t.Fatalf("Failed to create charge offer: %v", err)
	}
	return offer
}

// CreateRewardOffer inserts an active reward offer and returns it.
func CreateRewardOffer(t *testing.T, database *db.DB, slug string) *db.Offer {
	t.Helper()

	amount := token.Amount(250_000)
	funded := "9yQNfqK3iZrRN5o2ijkrPhn3EMhhdeGBSjNB3vWTTFry"
	maxClaims := 3
	offer := &db.Offer{
		Slug:             slug,
		Title:            "Test reward " + slug,
		UpstreamURL:      "https://validate.example.com/" + slug,
		UpstreamMethod:   "POST",
		Mode:             db.OfferModeReward,
		Status:           db.OfferStatusActive,
		PaymentToken:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		RewardAtomic:     &amount,
		FundedWallet:     &funded,
		MaxClaimsPerUser: &maxClaims,
		CreatorID:        uuid.New(),
	}
	if err := database.CreateOffer(context.Background(), offer); err != nil {
		t.Fatalf("Failed to create reward offer: %v", err)
	}
	return offer
}

// CreatePaidRun inserts a run and advances it to paid.
func CreatePaidRun(t *testing.T, database *db.DB, offerID uuid.UUID, reference string) *db.Run {
	t.Helper()

	ctx := context.Background()
	if _, err := database.CreateRun(ctx, offerID, reference, nil); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	run, err := database.UpdateRunPaymentAtomic(ctx, reference, fmt.Sprintf("sig-%s", reference), "payer-"+reference)
	if err != nil {
		t.Fatalf("Failed to mark run paid: %v", err)
	}
	return run
}
