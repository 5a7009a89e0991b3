// Package worker runs the background maintenance loops: expiring stale
// pending runs and retrying refunds whose broadcast never completed.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blinkgate/internal/db"
)

// Config tunes the worker's loops.
type Config struct {
	// ExpireInterval is how often stale pending runs are failed.
	ExpireInterval time.Duration
	// RefundRetryInterval is how often pending refunds are re-attempted.
	RefundRetryInterval time.Duration
	// RefundMinAge keeps the worker off refunds still being issued by a
	// live request.
	RefundMinAge time.Duration
	// RefundBatchSize bounds one retry cycle.
	RefundBatchSize int
}

// DefaultConfig returns sensible defaults for the worker.
func DefaultConfig() *Config {
	return &Config{
		ExpireInterval:      time.Minute,
		RefundRetryInterval: 30 * time.Second,
		RefundMinAge:        5 * time.Minute,
		RefundBatchSize:     50,
	}
}

// Store is the durable-store surface the worker drives.
type Store interface {
	ExpirePendingRuns(ctx context.Context) (int64, error)
	GetPendingRefunds(ctx context.Context, limit int) ([]*db.Refund, error)
	GetOfferByID(ctx context.Context, id uuid.UUID) (*db.Offer, error)
}

// Refunder re-issues a pending refund.
type Refunder interface {
	Reissue(ctx context.Context, offer *db.Offer, r *db.Refund) error
}

// Worker owns the background loops.
type Worker struct {
	store    Store
	refunder Refunder
	config   *Config
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Worker. A nil cfg gets the defaults.
func New(store Store, refunder Refunder, cfg *Config, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Worker{
		store:    store,
		refunder: refunder,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background loops.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(2)

	go func() {
		defer w.wg.Done()
		w.runExpireLoop(ctx)
	}()

	go func() {
		defer w.wg.Done()
		w.runRefundLoop(ctx)
	}()

	w.logger.Info("background worker started")
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("background worker stopped")
}

func (w *Worker) runExpireLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.expireStaleRuns(ctx)
		}
	}
}

func (w *Worker) runRefundLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.RefundRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.retryPendingRefunds(ctx)
		}
	}
}

// expireStaleRuns fails pending runs whose payment window closed.
func (w *Worker) expireStaleRuns(ctx context.Context) {
	count, err := w.store.ExpirePendingRuns(ctx)
	if err != nil {
		w.logger.Error("failed to expire pending runs", "error", err)
		return
	}
	if count > 0 {
		w.logger.Info("expired stale pending runs", "count", count)
	}
}

// retryPendingRefunds re-issues refunds stuck in pending, oldest first.
// Rows younger than RefundMinAge are skipped; a live request may still be
// broadcasting them.
func (w *Worker) retryPendingRefunds(ctx context.Context) {
	refunds, err := w.store.GetPendingRefunds(ctx, w.config.RefundBatchSize)
	if err != nil {
		w.logger.Error("failed to query pending refunds", "error", err)
		return
	}

	for _, r := range refunds {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if time.Since(r.CreatedAt) < w.config.RefundMinAge {
			continue
		}

		offer, err := w.store.GetOfferByID(ctx, r.OfferID)
		if err != nil {
			w.logger.Error("failed to load offer for refund retry",
				"refund_id", r.ID, "offer_id", r.OfferID, "error", err)
			continue
		}

		if err := w.refunder.Reissue(ctx, offer, r); err != nil {
			w.logger.Error("refund retry failed", "refund_id", r.ID, "error", err)
		}
	}
}
