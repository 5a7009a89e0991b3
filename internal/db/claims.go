package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blinkgate/internal/token"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// RewardClaim records one disbursed reward. (offer_id, user_wallet,
// reference) is unique, so a reference can never be paid out twice.
type RewardClaim struct {
	ID           uuid.UUID    `json:"id"`
	OfferID      uuid.UUID    `json:"offer_id"`
	UserWallet   string       `json:"user_wallet"`
	Reference    string       `json:"reference"`
	AmountAtomic token.Amount `json:"amount_atomic"`
	Signature    string       `json:"signature"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ErrDuplicateClaim is returned when a claim already exists for the
// (offer, wallet, reference) triple.
var ErrDuplicateClaim = errors.New("reward already claimed for this reference")

// CreateRewardClaim inserts a claim row after a successful disbursement.
func (db *DB) CreateRewardClaim(ctx context.Context, c *RewardClaim) error {
	query := `
		INSERT INTO reward_claims (offer_id, user_wallet, reference, amount_atomic, signature)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	err := db.QueryRow(ctx, query,
		c.OfferID, c.UserWallet, c.Reference, c.AmountAtomic, c.Signature,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateClaim
		}
		return fmt.Errorf("failed to create reward claim: %w", err)
	}
	return nil
}

// CountRewardClaims returns how many rewards a wallet has claimed on an
// offer. Compared against the offer's max_claims_per_user before disbursing.
func (db *DB) CountRewardClaims(ctx context.Context, offerID uuid.UUID, wallet string) (int, error) {
	var count int
	err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM reward_claims WHERE offer_id = $1 AND user_wallet = $2`,
		offerID, wallet,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reward claims: %w", err)
	}
	return count, nil
}
