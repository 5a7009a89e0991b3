package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RunStatus represents the state of a run's payment state machine.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusPaid     RunStatus = "paid"
	RunStatusExecuted RunStatus = "executed"
	RunStatusFailed   RunStatus = "failed"
)

// RunTTL is how long a pending run stays claimable before it is
// read-failed.
const RunTTL = 15 * time.Minute

// Run is the per-payment state machine attached to one execution attempt.
// Reference is the client-chosen unique identifier; Signature is the
// chain-assigned identifier of the settled payment transaction.
type Run struct {
	ID          uuid.UUID              `json:"id"`
	OfferID     uuid.UUID              `json:"offer_id"`
	Reference   string                 `json:"reference"`
	Signature   *string                `json:"signature,omitempty"`
	PayerWallet string                 `json:"payer_wallet"`
	Status      RunStatus              `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	PaidAt      *time.Time             `json:"paid_at,omitempty"`
	ExecutedAt  *time.Time             `json:"executed_at,omitempty"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
}

var (
	// ErrDuplicateReference is returned when a run already exists for a
	// reference. Duplicate references are a client bug, not a retry.
	ErrDuplicateReference = errors.New("run reference already exists")

	// ErrDuplicateSignature is returned when a payment signature is already
	// bound to a different reference.
	ErrDuplicateSignature = errors.New("payment signature already used")

	// ErrRunNotPending is returned when a payment transition finds the run
	// in a state other than pending.
	ErrRunNotPending = errors.New("run is not pending")

	// ErrRunNotPaid is returned when marking executed a run that is not paid.
	ErrRunNotPaid = errors.New("run is not paid")

	// ErrRunNotFound is returned when no run matches the lookup.
	ErrRunNotFound = errors.New("run not found")
)

const runColumns = `
	id, offer_id, reference, signature, payer_wallet, status, metadata,
	created_at, expires_at, paid_at, executed_at, duration_ms`

// CreateRun inserts a pending row with expires_at = now + RunTTL.
func (db *DB) CreateRun(ctx context.Context, offerID uuid.UUID, reference string, metadata map[string]interface{}) (*Run, error) {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO runs (offer_id, reference, metadata, expires_at)
		VALUES ($1, $2, $3, NOW() + $4::interval)
		RETURNING ` + runColumns

	row := db.QueryRow(ctx, query, offerID, reference, metaJSON, RunTTL.String())
	run, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRunByReference returns the run for a reference. A pending run past its
// expiry is atomically marked failed and returned as failed; it is never
// executed afterwards.
func (db *DB) GetRunByReference(ctx context.Context, reference string) (*Run, error) {
	query := `
		UPDATE runs SET status = 'failed'
		WHERE reference = $1 AND status = 'pending' AND expires_at < NOW()
	`
	if err := db.Exec(ctx, query, reference); err != nil {
		return nil, fmt.Errorf("failed to expire run: %w", err)
	}

	row := db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE reference = $1`, reference)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunBySignature looks a run up by its payment signature. Used for
// duplicate-signature detection across references.
func (db *DB) GetRunBySignature(ctx context.Context, signature string) (*Run, error) {
	row := db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE signature = $1`, signature)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run by signature: %w", err)
	}
	return run, nil
}

// UpdateRunPaymentAtomic transitions pending → paid under a row-level lock.
// It fails with ErrRunNotPending if the run has moved on, and with
// ErrDuplicateSignature if the signature is already bound to another
// reference.
func (db *DB) UpdateRunPaymentAtomic(ctx context.Context, reference, signature, payer string) (*Run, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status RunStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM runs WHERE reference = $1 FOR UPDATE`, reference,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	if status != RunStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrRunNotPending, status)
	}

	var existingRef string
	err = tx.QueryRow(ctx,
		`SELECT reference FROM runs WHERE signature = $1`, signature,
	).Scan(&existingRef)
	if err == nil && existingRef != reference {
		return nil, fmt.Errorf("%w: bound to another reference", ErrDuplicateSignature)
	}
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check signature: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE runs
		SET status = 'paid', signature = $2, payer_wallet = $3, paid_at = NOW()
		WHERE reference = $1
		RETURNING `+runColumns, reference, signature, payer)
	run, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateSignature
		}
		return nil, fmt.Errorf("failed to mark run paid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payment: %w", err)
	}
	return run, nil
}

// MarkRunExecuted transitions paid → executed, increments the offer's run
// counter and merges responseData into the run metadata without clobbering
// the input parameters captured at creation. All writes share one
// transaction, so the counter increments exactly once per executed run.
func (db *DB) MarkRunExecuted(ctx context.Context, reference string, durationMs int64, responseData map[string]interface{}) (*Run, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status RunStatus
	var offerID uuid.UUID
	var metaJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT status, offer_id, metadata FROM runs WHERE reference = $1 FOR UPDATE`,
		reference,
	).Scan(&status, &offerID, &metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	if status != RunStatusPaid {
		return nil, fmt.Errorf("%w: status is %s", ErrRunNotPaid, status)
	}

	metadata := make(map[string]interface{})
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	// Input parameters win over response data on key collision.
	for k, v := range responseData {
		if _, exists := metadata[k]; !exists {
			metadata[k] = v
		}
	}
	merged, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE runs
		SET status = 'executed', executed_at = NOW(), duration_ms = $2, metadata = $3
		WHERE reference = $1
		RETURNING `+runColumns, reference, durationMs, merged)
	run, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to mark run executed: %w", err)
	}

	if err := db.incrementRunCount(ctx, tx, offerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit execution: %w", err)
	}
	return run, nil
}

func (db *DB) incrementRunCount(ctx context.Context, tx pgx.Tx, offerID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE offers SET run_count = run_count + 1, updated_at = NOW() WHERE id = $1`,
		offerID)
	if err != nil {
		return fmt.Errorf("failed to increment offer run count: %w", err)
	}
	return nil
}

// MarkRunFailed transitions any status to failed.
func (db *DB) MarkRunFailed(ctx context.Context, reference string) error {
	result, err := db.ExecResult(ctx,
		`UPDATE runs SET status = 'failed' WHERE reference = $1`, reference)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RevertRunToPaid moves a failed run whose payment was verified back to paid
// so a later request may retry execution. Requires signature to be set.
func (db *DB) RevertRunToPaid(ctx context.Context, reference string) error {
	result, err := db.ExecResult(ctx, `
		UPDATE runs SET status = 'paid'
		WHERE reference = $1 AND status = 'failed'
		  AND signature IS NOT NULL AND payer_wallet <> ''
	`, reference)
	if err != nil {
		return fmt.Errorf("failed to revert run to paid: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ExpirePendingRuns read-fails all pending runs past their expiry. Used by the
// maintenance worker; the read path performs the same transition lazily.
func (db *DB) ExpirePendingRuns(ctx context.Context) (int64, error) {
	result, err := db.ExecResult(ctx,
		`UPDATE runs SET status = 'failed' WHERE status = 'pending' AND expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending runs: %w", err)
	}
	return result.RowsAffected(), nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return metaJSON, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var metaJSON []byte
	err := row.Scan(
		&r.ID, &r.OfferID, &r.Reference, &r.Signature, &r.PayerWallet,
		&r.Status, &metaJSON, &r.CreatedAt, &r.ExpiresAt,
		&r.PaidAt, &r.ExecutedAt, &r.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run metadata: %w", err)
		}
	}
	return &r, nil
}
