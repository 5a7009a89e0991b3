package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blinkgate/internal/token"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// OfferMode distinguishes endpoints the caller pays for from endpoints
// that pay the caller.
type OfferMode string

const (
	OfferModeCharge OfferMode = "charge"
	OfferModeReward OfferMode = "reward"
)

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferStatusActive   OfferStatus = "active"
	OfferStatusPaused   OfferStatus = "paused"
	OfferStatusArchived OfferStatus = "archived"
)

// OfferHealth is derived from the per-offer circuit breaker counters.
// It informs catalog visibility only; the proxy path never consults it.
type OfferHealth string

const (
	OfferHealthHealthy   OfferHealth = "healthy"
	OfferHealthDegraded  OfferHealth = "degraded"
	OfferHealthUnhealthy OfferHealth = "unhealthy"
)

// InputParam declares one user-supplied input parameter an offer accepts.
type InputParam struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Pattern  string `json:"pattern,omitempty"`
}

// Offer is a priced endpoint record. Immutable once created except status,
// health and counters.
type Offer struct {
	ID               uuid.UUID    `json:"id"`
	Slug             string       `json:"slug"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	UpstreamURL      string       `json:"upstream_url"`
	UpstreamMethod   string       `json:"upstream_method"`
	PriceAtomic      token.Amount `json:"price_atomic"`
	Mode             OfferMode    `json:"mode"`
	Status           OfferStatus  `json:"status"`
	PaymentToken     string       `json:"payment_token"`
	RecipientWallet  string       `json:"recipient_wallet"`
	RewardAtomic     *token.Amount `json:"reward_atomic,omitempty"`
	FundedWallet     *string      `json:"funded_wallet,omitempty"`
	MaxClaimsPerUser *int         `json:"max_claims_per_user,omitempty"`
	InputSchema      []InputParam `json:"input_schema,omitempty"`
	CreatorID        uuid.UUID    `json:"creator_id"`
	RunCount         int64        `json:"run_count"`
	Health           OfferHealth  `json:"health"`
	SuccessCount     int64        `json:"success_count"`
	FailureCount     int64        `json:"failure_count"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ErrSlugTaken is returned when creating an offer with an existing slug.
var ErrSlugTaken = errors.New("offer slug already taken")

const offerColumns = `
	id, slug, title, description, upstream_url, upstream_method,
	price_atomic, mode, status, payment_token, recipient_wallet,
	reward_atomic, funded_wallet, max_claims_per_user, input_schema,
	creator_id, run_count, health, success_count, failure_count,
	created_at, updated_at`

// CreateOffer inserts a new offer. Reward invariants (reward amount, funded
// wallet, claim limit all present) are enforced by table CHECK constraints.
func (db *DB) CreateOffer(ctx context.Context, o *Offer) error {
	var schemaJSON []byte
	if o.InputSchema != nil {
		var err error
		schemaJSON, err = json.Marshal(o.InputSchema)
		if err != nil {
			return fmt.Errorf("failed to marshal input schema: %w", err)
		}
	}

	query := `
		INSERT INTO offers (
			slug, title, description, upstream_url, upstream_method,
			price_atomic, mode, status, payment_token, recipient_wallet,
			reward_atomic, funded_wallet, max_claims_per_user, input_schema, creator_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`

	err := db.QueryRow(ctx, query,
		o.Slug, o.Title, o.Description, o.UpstreamURL, o.UpstreamMethod,
		o.PriceAtomic, o.Mode, o.Status, o.PaymentToken, o.RecipientWallet,
		o.RewardAtomic, o.FundedWallet, o.MaxClaimsPerUser, schemaJSON, o.CreatorID,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to create offer: %w", err)
	}

	return nil
}

// GetOfferBySlug retrieves an offer by its human slug.
func (db *DB) GetOfferBySlug(ctx context.Context, slug string) (*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE slug = $1`
	return scanOffer(db.QueryRow(ctx, query, slug))
}

// GetOfferByID retrieves an offer by id.
func (db *DB) GetOfferByID(ctx context.Context, id uuid.UUID) (*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	return scanOffer(db.QueryRow(ctx, query, id))
}

// UpdateOfferStatus moves an offer between active, paused and archived.
func (db *DB) UpdateOfferStatus(ctx context.Context, id uuid.UUID, status OfferStatus) error {
	result, err := db.ExecResult(ctx,
		`UPDATE offers SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RecordDispatchOutcome updates the per-offer circuit breaker counters and
// recomputes health from the recent failure ratio. Health only affects
// catalog filtering, never the proxy path.
func (db *DB) RecordDispatchOutcome(ctx context.Context, id uuid.UUID, success bool) error {
	query := `
		UPDATE offers SET
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			health = CASE
				WHEN failure_count + CASE WHEN $2 THEN 0 ELSE 1 END >= 10
					AND (failure_count + CASE WHEN $2 THEN 0 ELSE 1 END) * 2 >
						success_count + CASE WHEN $2 THEN 1 ELSE 0 END
					THEN 'unhealthy'
				WHEN failure_count + CASE WHEN $2 THEN 0 ELSE 1 END >= 3
					AND (failure_count + CASE WHEN $2 THEN 0 ELSE 1 END) * 5 >
						success_count + CASE WHEN $2 THEN 1 ELSE 0 END
					THEN 'degraded'
				ELSE 'healthy'
			END,
			updated_at = NOW()
		WHERE id = $1
	`
	err := db.Exec(ctx, query, id, success)
	if err != nil {
		return fmt.Errorf("failed to record dispatch outcome: %w", err)
	}
	return nil
}

// ListOffers returns offers ordered by creation time, newest first.
func (db *DB) ListOffers(ctx context.Context, limit int) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers ORDER BY created_at DESC LIMIT $1`
	rows, err := db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// scanOffer scans one offer row from either a pgx.Row or pgx.Rows.
func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var schemaJSON []byte
	err := row.Scan(
		&o.ID, &o.Slug, &o.Title, &o.Description, &o.UpstreamURL, &o.UpstreamMethod,
		&o.PriceAtomic, &o.Mode, &o.Status, &o.PaymentToken, &o.RecipientWallet,
		&o.RewardAtomic, &o.FundedWallet, &o.MaxClaimsPerUser, &schemaJSON,
		&o.CreatorID, &o.RunCount, &o.Health, &o.SuccessCount, &o.FailureCount,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if schemaJSON != nil {
		if err := json.Unmarshal(schemaJSON, &o.InputSchema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input schema: %w", err)
		}
	}

	return &o, nil
}
