// Package reward pays callers for completed actions. The upstream endpoint
// validates the action; the disburser then transfers the reward from the
// offer's funded wallet to the claimant and records the claim.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"blinkgate/internal/db"
	"blinkgate/internal/retry"
	"blinkgate/internal/token"
	"blinkgate/internal/upstream"
	"blinkgate/internal/wallet"
)

var (
	// ErrClaimLimitReached means the wallet exhausted the offer's
	// max_claims_per_user budget.
	ErrClaimLimitReached = errors.New("reward claim limit reached for this wallet")

	// ErrFundedWalletMismatch means the configured keypair does not match
	// the offer's funded wallet. Disbursement refuses to proceed rather
	// than pay from the wrong account.
	ErrFundedWalletMismatch = errors.New("configured keypair does not match offer funded wallet")
)

// Store is the claims slice of the durable store.
type Store interface {
	CreateRewardClaim(ctx context.Context, c *db.RewardClaim) error
	CountRewardClaims(ctx context.Context, offerID uuid.UUID, wallet string) (int, error)
}

// Transferer is the funded wallet. Rewards broadcast without awaiting
// confirmation.
type Transferer interface {
	Address() string
	BuildTransfer(ctx context.Context, p wallet.TransferParams) (*solana.Transaction, error)
	Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// Dispatcher asks the upstream endpoint to validate the claimed action.
type Dispatcher interface {
	Dispatch(ctx context.Context, rawURL, method string, body map[string]any, env upstream.Envelope) (*upstream.Result, error)
}

// Outcome reports one successful disbursement.
type Outcome struct {
	Amount       token.Amount
	Signature    string
	UpstreamData any
}

// Disburser validates and pays reward claims.
type Disburser struct {
	store       Store
	wallet      Transferer
	dispatcher  Dispatcher
	retryPolicy retry.Policy
	logger      *slog.Logger
}

// NewDisburser wires the claims store, funded wallet and upstream client.
func NewDisburser(store Store, w Transferer, d Dispatcher, logger *slog.Logger) *Disburser {
	return &Disburser{
		store:       store,
		wallet:      w,
		dispatcher:  d,
		retryPolicy: retry.BroadcastReward,
		logger:      logger,
	}
}

// Disburse runs the full claim flow: claim-count check, upstream
// validation, funded-wallet assertion, transfer broadcast and claim record.
// The upstream response may carry a tier-specific `rewardAmount` overriding
// the offer's static reward.
func (d *Disburser) Disburse(ctx context.Context, offer *db.Offer, run *db.Run, userWallet string, body map[string]any) (*Outcome, error) {
	if offer.RewardAtomic == nil || offer.FundedWallet == nil || offer.MaxClaimsPerUser == nil {
		return nil, fmt.Errorf("offer %s is missing reward configuration", offer.Slug)
	}

	count, err := d.store.CountRewardClaims(ctx, offer.ID, userWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to count claims: %w", err)
	}
	if count >= *offer.MaxClaimsPerUser {
		return nil, ErrClaimLimitReached
	}

	result, err := d.dispatcher.Dispatch(ctx, offer.UpstreamURL, offer.UpstreamMethod, body, upstream.Envelope{
		Reference: run.Reference,
		Payer:     userWallet,
		Inputs:    run.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream validation failed: %w", err)
	}

	amount := *offer.RewardAtomic
	if override, ok := dynamicAmount(result.Data); ok {
		d.logger.Info("upstream overrode reward amount",
			"offer", offer.Slug, "static", amount.Atomic(), "dynamic", override.Atomic())
		amount = override
	}
	if amount <= 0 {
		return nil, fmt.Errorf("effective reward amount is not positive: %s", amount.Atomic())
	}

	if d.wallet.Address() != *offer.FundedWallet {
		return nil, fmt.Errorf("%w: have %s, offer expects %s",
			ErrFundedWalletMismatch, d.wallet.Address(), *offer.FundedWallet)
	}

	tx, err := d.wallet.BuildTransfer(ctx, wallet.TransferParams{
		Recipient: userWallet,
		Mint:      offer.PaymentToken,
		Amount:    amount,
		Memo:      fmt.Sprintf("reward:%s", offer.Slug),
		Reference: referenceIfAddress(run.Reference),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build reward transfer: %w", err)
	}

	// Broadcast acceptance is sufficient; waiting for confirmation would
	// hold the request open for seconds. Re-submitting the same signed
	// transaction is safe: the signature is its identity, so a duplicate
	// lands as a no-op.
	sig, err := retry.Do(ctx, d.retryPolicy, retry.Always, func() (solana.Signature, error) {
		return d.wallet.Broadcast(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast reward: %w", err)
	}

	claim := &db.RewardClaim{
		OfferID:      offer.ID,
		UserWallet:   userWallet,
		Reference:    run.Reference,
		AmountAtomic: amount,
		Signature:    sig.String(),
	}
	if err := d.store.CreateRewardClaim(ctx, claim); err != nil {
		if errors.Is(err, db.ErrDuplicateClaim) {
			return nil, err
		}
		// The transfer is out; surface the bookkeeping gap loudly but do
		// not fail the claim.
		d.logger.Error("reward broadcast but claim not recorded",
			"offer", offer.Slug, "wallet", userWallet, "signature", sig.String(), "error", err)
	}

	d.logger.Info("reward disbursed",
		"offer", offer.Slug, "wallet", userWallet, "amount", amount.Atomic(), "signature", sig.String())

	return &Outcome{Amount: amount, Signature: sig.String(), UpstreamData: result.Data}, nil
}

// dynamicAmount pulls a rewardAmount override out of the upstream response.
// String values are atomic-unit decimals; numeric values are treated as
// atomic units too.
func dynamicAmount(data any) (token.Amount, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := m["rewardAmount"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case string:
		amount, err := token.ParseAtomic(v)
		if err != nil {
			return 0, false
		}
		return amount, true
	case float64:
		if v <= 0 {
			return 0, false
		}
		return token.Amount(int64(v)), true
	default:
		return 0, false
	}
}

func referenceIfAddress(reference string) string {
	if _, err := solana.PublicKeyFromBase58(reference); err != nil {
		return ""
	}
	return reference
}
