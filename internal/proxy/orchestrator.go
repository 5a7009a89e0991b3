package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"blinkgate/internal/cache"
	"blinkgate/internal/challenge"
	"blinkgate/internal/config"
	"blinkgate/internal/db"
	"blinkgate/internal/payment"
	"blinkgate/internal/ratelimit"
	"blinkgate/internal/refund"
	"blinkgate/internal/reward"
	"blinkgate/internal/upstream"
)

// offerCacheTTL bounds how stale a catalog read may be on the hot path.
const offerCacheTTL = 5 * time.Minute

// responseMetadataKey stores the upstream response inside run metadata,
// apart from the caller's inputs, so a cache-less replay can return the
// response alone.
const responseMetadataKey = "_response"

// Store is the durable-store surface the orchestrator drives.
type Store interface {
	GetOfferBySlug(ctx context.Context, slug string) (*db.Offer, error)
	RecordDispatchOutcome(ctx context.Context, id uuid.UUID, success bool) error

	CreateRun(ctx context.Context, offerID uuid.UUID, reference string, metadata map[string]any) (*db.Run, error)
	GetRunByReference(ctx context.Context, reference string) (*db.Run, error)
	GetRunBySignature(ctx context.Context, signature string) (*db.Run, error)
	UpdateRunPaymentAtomic(ctx context.Context, reference, signature, payer string) (*db.Run, error)
	MarkRunExecuted(ctx context.Context, reference string, durationMs int64, responseData map[string]any) (*db.Run, error)
	MarkRunFailed(ctx context.Context, reference string) error
	RevertRunToPaid(ctx context.Context, reference string) error
}

// Verifier resolves a payment proof to a settled (signature, payer) pair.
type Verifier interface {
	Verify(ctx context.Context, proof payment.Proof, req payment.Requirements) (*payment.Verified, error)
}

// Dispatcher forwards the merged request to the offer's upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, rawURL, method string, body map[string]any, env upstream.Envelope) (*upstream.Result, error)
}

// Challenges issues and consumes reward-claim challenges.
type Challenges interface {
	Issue(ctx context.Context, wallet, offerID string) (*challenge.Issued, error)
	Verify(ctx context.Context, nonce, signature, wallet, offerID string) error
}

// Refunder returns a verified payment after a failed execution.
type Refunder interface {
	RefundRun(ctx context.Context, offer *db.Offer, run *db.Run) *refund.Status
}

// RewardPayer validates and pays a reward claim.
type RewardPayer interface {
	Disburse(ctx context.Context, offer *db.Offer, run *db.Run, userWallet string, body map[string]any) (*reward.Outcome, error)
}

// Deps carries every collaborator the orchestrator needs. Nothing is
// reached through package-level state.
type Deps struct {
	Store      Store
	Cache      *cache.Store
	Verifier   Verifier
	Dispatcher Dispatcher
	Challenges Challenges
	Limiter    *ratelimit.Limiter
	Refunder   Refunder
	Rewards    RewardPayer
	Payments   config.PaymentConfig
	RateLimits config.RateLimitConfig
	Mutex      config.MutexConfig
	Logger     *slog.Logger
}

// Orchestrator owns the priced-call state machine.
type Orchestrator struct {
	deps Deps
}

// New creates an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Response is a transport-agnostic HTTP outcome. The server layer copies
// it onto the wire verbatim.
type Response struct {
	Status  int
	Headers map[string]string
	Body    any
}

func jsonResponse(status int, body any) *Response {
	return &Response{Status: status, Body: body}
}

// Handle serves POST /<slug>: the full charge or reward pipeline.
func (o *Orchestrator) Handle(ctx context.Context, slug string, rawBody []byte, header func(string) string) *Response {
	offer, resp := o.loadOffer(ctx, slug)
	if resp != nil {
		return resp
	}

	req, err := ParseRequest(offer.Mode, rawBody, header)
	if err != nil && !errors.Is(err, ErrNoPayment) {
		return jsonResponse(400, map[string]any{"error": "Invalid request", "message": err.Error()})
	}

	// Rate limiting sits ahead of the payment check. A proof-less request
	// carries no wallet or reference to count, so the limiter sees nothing.
	if resp := o.rateLimit(ctx, offer, req); resp != nil {
		return resp
	}

	if errors.Is(err, ErrNoPayment) {
		return o.paymentRequired(offer)
	}

	if offer.Mode == db.OfferModeReward {
		return o.handleReward(ctx, offer, req.(RewardClaim))
	}
	return o.handleCharge(ctx, offer, req)
}

// HandleChallenge serves GET /<slug>/challenge?wallet=W for reward offers.
func (o *Orchestrator) HandleChallenge(ctx context.Context, slug, wallet string) *Response {
	offer, resp := o.loadOffer(ctx, slug)
	if resp != nil {
		return resp
	}
	if offer.Mode != db.OfferModeReward {
		return jsonResponse(400, map[string]any{
			"error":   "Invalid request",
			"message": "challenges only apply to reward offers",
		})
	}
	if wallet == "" {
		return jsonResponse(400, map[string]any{"error": "Invalid request", "message": "wallet query parameter required"})
	}

	issued, err := o.deps.Challenges.Issue(ctx, wallet, offer.ID.String())
	if err != nil {
		o.deps.Logger.Error("failed to issue challenge", "slug", slug, "error", err)
		return o.internalError("failed to issue challenge")
	}
	return jsonResponse(200, issued)
}

// loadOffer resolves the slug through the read-through cache. Responses are
// non-nil on 404 and 403.
func (o *Orchestrator) loadOffer(ctx context.Context, slug string) (*db.Offer, *Response) {
	offer, err := cache.GetOrFetch(ctx, o.deps.Cache, "offer:"+slug, offerCacheTTL,
		func(ctx context.Context) (*db.Offer, error) {
			return o.deps.Store.GetOfferBySlug(ctx, slug)
		})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jsonResponse(404, map[string]any{"error": "Blink not found"})
	}
	if err != nil {
		o.deps.Logger.Error("offer lookup failed", "slug", slug, "error", err)
		return nil, o.internalError("offer lookup failed")
	}
	if offer.Status != db.OfferStatusActive {
		return nil, jsonResponse(403, map[string]any{
			"error":   "Offer not active",
			"message": fmt.Sprintf("this endpoint is %s", offer.Status),
		})
	}
	return offer, nil
}

// rateLimit identifies the caller wallet and checks the matching bucket.
func (o *Orchestrator) rateLimit(ctx context.Context, offer *db.Offer, req Request) *Response {
	if !o.deps.RateLimits.Enabled {
		return nil
	}
	scope, limit := ratelimit.ScopeCharge, o.deps.RateLimits.ChargeMax
	if offer.Mode == db.OfferModeReward {
		scope, limit = ratelimit.ScopeReward, o.deps.RateLimits.RewardMax
	}

	wallet := o.callerWallet(ctx, req)
	if wallet == "" {
		return nil
	}

	res := o.deps.Limiter.Allow(ctx, scope, wallet, limit)
	if res.Allowed {
		return nil
	}

	retryAfter := int(res.RetryAfter.Seconds())
	return &Response{
		Status: 429,
		Headers: map[string]string{
			"X-Ratelimit-Limit":     strconv.Itoa(res.Limit),
			"X-Ratelimit-Remaining": strconv.Itoa(res.Remaining),
			"X-Ratelimit-Reset":     strconv.Itoa(int(res.Reset.Round(time.Second).Seconds())),
			"Retry-After":           strconv.Itoa(retryAfter),
		},
		Body: map[string]any{
			"error":       fmt.Sprintf("Rate limit exceeded for wallet %s", ratelimit.TruncateWallet(wallet)),
			"retry_after": retryAfter,
		},
	}
}

// callerWallet identifies the wallet for rate-limit accounting: envelope
// authority, tx-hash run lookup, explicit claim wallet, or the reference
// itself as a last resort.
func (o *Orchestrator) callerWallet(ctx context.Context, req Request) string {
	switch r := req.(type) {
	case ChargeWithEnvelope:
		if payer, err := payment.PayerFromHeader(r.Envelope.Header); err == nil && payer != "" {
			return payer
		}
		return r.Reference
	case ChargeWithTxHash:
		if run, err := o.deps.Store.GetRunBySignature(ctx, r.Hash); err == nil && run.PayerWallet != "" {
			return run.PayerWallet
		}
		return r.Hash
	case ChargeInit:
		return r.Reference
	case RewardClaim:
		return r.Wallet
	default:
		return ""
	}
}

// handleCharge runs steps 5-7 of the priced-call pipeline under the
// payment mutex.
func (o *Orchestrator) handleCharge(ctx context.Context, offer *db.Offer, req Request) *Response {
	reference, idemKey := chargeKeys(req)
	identifier := reference
	if tx, ok := req.(ChargeWithTxHash); ok {
		identifier = tx.Hash
	}

	lock := cache.LockOptions{
		TTL:        o.deps.Mutex.TTL,
		MaxRetries: o.deps.Mutex.MaxRetries,
		RetryDelay: o.deps.Mutex.RetryDelay,
	}

	var out *Response
	err := o.deps.Cache.WithLock(ctx, "payment:"+identifier, lock, func(ctx context.Context) error {
		out = o.executeCharge(ctx, offer, req, reference, identifier, idemKey)
		return nil
	})
	if errors.Is(err, cache.ErrLockNotAcquired) {
		return jsonResponse(409, map[string]any{"error": "Payment processing in progress", "retryAfter": 5})
	}
	if err != nil {
		o.deps.Logger.Error("charge pipeline failed", "reference", reference, "error", err)
		return o.internalError("payment processing failed")
	}
	return out
}

// executeCharge holds the mutex. Every state transition for the run
// happens in here.
func (o *Orchestrator) executeCharge(ctx context.Context, offer *db.Offer, req Request, reference, identifier, idemKey string) *Response {
	if resp := o.cachedResponse(ctx, identifier, idemKey); resp != nil {
		return resp
	}

	run, err := o.deps.Store.GetRunByReference(ctx, reference)
	if errors.Is(err, db.ErrRunNotFound) {
		run, err = o.deps.Store.CreateRun(ctx, offer.ID, reference, inputsOf(req))
		if errors.Is(err, db.ErrDuplicateReference) {
			run, err = o.deps.Store.GetRunByReference(ctx, reference)
		}
	}
	if err != nil {
		o.deps.Logger.Error("failed to load run", "reference", reference, "error", err)
		return o.internalError("failed to load payment state")
	}

	switch run.Status {
	case db.RunStatusExecuted:
		if resp := o.cachedResponse(ctx, identifier, idemKey); resp != nil {
			return resp
		}
		return jsonResponse(200, executedBody(run))

	case db.RunStatusFailed:
		// Execution, not payment, failed earlier: the payment is still
		// good, so permit an upstream retry.
		if run.Signature != nil && run.PayerWallet != "" {
			if err := o.deps.Store.RevertRunToPaid(ctx, reference); err != nil {
				o.deps.Logger.Error("failed to revert run", "reference", reference, "error", err)
				return o.internalError("failed to load payment state")
			}
			run.Status = db.RunStatusPaid
		} else {
			return jsonResponse(402, map[string]any{
				"error":   "Payment verification failed",
				"details": "this reference has failed or expired; start over with a new reference",
			})
		}

	case db.RunStatusPending:
		verified, resp := o.verifyPending(ctx, offer, req, reference)
		if resp != nil {
			return resp
		}
		run.Signature = &verified.Signature
		run.PayerWallet = verified.Payer
		run.Status = db.RunStatusPaid
	}

	// Re-check the catalog with a fresh read: the offer may have been
	// paused while we verified.
	fresh, err := o.deps.Store.GetOfferBySlug(ctx, offer.Slug)
	if err != nil || fresh.Status != db.OfferStatusActive {
		if err := o.deps.Store.MarkRunFailed(ctx, reference); err != nil {
			o.deps.Logger.Error("failed to mark run failed", "reference", reference, "error", err)
		}
		return jsonResponse(403, map[string]any{
			"error":   "Offer not active",
			"message": "this endpoint was deactivated before execution",
		})
	}

	return o.dispatchAndFinish(ctx, fresh, run, identifier, idemKey, inputsOf(req))
}

// verifyPending resolves the payment proof and advances pending → paid.
// A non-nil Response short-circuits with the client-facing outcome.
func (o *Orchestrator) verifyPending(ctx context.Context, offer *db.Offer, req Request, reference string) (*payment.Verified, *Response) {
	requirements := payment.NewRequirements(
		offer.RecipientWallet, offer.PaymentToken, offer.PriceAtomic, o.deps.Payments.Network)

	verified, err := o.deps.Verifier.Verify(ctx, Proof(req), requirements)
	if err != nil {
		if markErr := o.deps.Store.MarkRunFailed(ctx, reference); markErr != nil {
			o.deps.Logger.Error("failed to mark run failed", "reference", reference, "error", markErr)
		}
		o.deps.Logger.Info("payment verification failed", "reference", reference, "error", err)
		return nil, jsonResponse(402, map[string]any{
			"error":   "Payment verification failed",
			"details": err.Error(),
		})
	}

	run, err := o.deps.Store.UpdateRunPaymentAtomic(ctx, reference, verified.Signature, verified.Payer)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrRunNotPending):
			// Another request advanced the row after we took the mutex.
			// The existing (signature, payer) is authoritative.
			existing, getErr := o.deps.Store.GetRunByReference(ctx, reference)
			if getErr == nil && existing.Signature != nil {
				return &payment.Verified{Signature: *existing.Signature, Payer: existing.PayerWallet}, nil
			}
			return nil, o.internalError("payment state changed unexpectedly")
		case errors.Is(err, db.ErrDuplicateSignature):
			return nil, jsonResponse(402, map[string]any{
				"error":   "Payment verification failed",
				"details": "this payment signature is already bound to another request",
			})
		default:
			o.deps.Logger.Error("failed to record payment", "reference", reference, "error", err)
			return nil, o.internalError("failed to record payment")
		}
	}

	return &payment.Verified{Signature: *run.Signature, Payer: run.PayerWallet}, nil
}

// dispatchAndFinish forwards the call upstream and settles the run's final
// state, including the refund path on failure.
func (o *Orchestrator) dispatchAndFinish(ctx context.Context, offer *db.Offer, run *db.Run, identifier, idemKey string, inputs map[string]any) *Response {
	signature := ""
	if run.Signature != nil {
		signature = *run.Signature
	}

	result, err := o.deps.Dispatcher.Dispatch(ctx, offer.UpstreamURL, offer.UpstreamMethod, inputs, upstream.Envelope{
		Reference: run.Reference,
		Signature: signature,
		Payer:     run.PayerWallet,
		Inputs:    run.Metadata,
	})

	if err != nil {
		if recErr := o.deps.Store.RecordDispatchOutcome(ctx, offer.ID, false); recErr != nil {
			o.deps.Logger.Error("failed to record dispatch outcome", "offer", offer.Slug, "error", recErr)
		}
		return o.upstreamFailure(ctx, offer, run, err)
	}

	if recErr := o.deps.Store.RecordDispatchOutcome(ctx, offer.ID, true); recErr != nil {
		o.deps.Logger.Error("failed to record dispatch outcome", "offer", offer.Slug, "error", recErr)
	}

	executed, err := o.deps.Store.MarkRunExecuted(ctx, run.Reference, result.Duration.Milliseconds(),
		map[string]any{responseMetadataKey: result.Data})
	if err != nil {
		o.deps.Logger.Error("upstream succeeded but run not marked executed",
			"reference", run.Reference, "error", err)
		return o.internalError("failed to record execution")
	}

	o.deps.Cache.Invalidate(ctx, "offer:"+offer.Slug)

	body := map[string]any{
		"success":     true,
		"data":        result.Data,
		"reference":   executed.Reference,
		"signature":   signature,
		"duration_ms": result.Duration.Milliseconds(),
	}
	o.cacheSuccess(ctx, identifier, idemKey, body)

	o.deps.Logger.Info("run executed",
		"offer", offer.Slug, "reference", run.Reference, "duration_ms", result.Duration.Milliseconds())
	return jsonResponse(200, body)
}

// upstreamFailure maps a dispatch error onto the 5xx surface. The run is
// never marked failed when payment was verified; the refund path runs
// instead and the caller may retry.
func (o *Orchestrator) upstreamFailure(ctx context.Context, offer *db.Offer, run *db.Run, err error) *Response {
	paymentVerified := run.Signature != nil

	if errors.Is(err, upstream.ErrTimeout) {
		o.deps.Logger.Warn("upstream timed out", "offer", offer.Slug, "reference", run.Reference)
		if !paymentVerified {
			o.markFailed(ctx, run.Reference)
		}
		return jsonResponse(504, map[string]any{
			"error":        "Upstream request timed out",
			"retryAllowed": paymentVerified,
		})
	}

	details := "upstream request failed"
	var ue *upstream.Error
	if errors.As(err, &ue) {
		details = ue.Message
	} else if errors.Is(err, upstream.ErrResponseTooLarge) {
		details = "upstream response exceeded the size limit"
	}

	if !paymentVerified {
		o.markFailed(ctx, run.Reference)
		return jsonResponse(500, map[string]any{
			"error":        "Execution failed",
			"details":      details,
			"retryAllowed": false,
		})
	}

	refundStatus := o.deps.Refunder.RefundRun(ctx, offer, run)
	o.deps.Logger.Warn("upstream failed after verified payment",
		"offer", offer.Slug, "reference", run.Reference, "refund", refundStatus.Status, "error", err)

	return jsonResponse(500, map[string]any{
		"error":        "Execution failed",
		"details":      details,
		"refund":       refundStatus,
		"retryAllowed": true,
	})
}

// handleReward runs the reward-claim pipeline: challenge, mutex, disburse.
func (o *Orchestrator) handleReward(ctx context.Context, offer *db.Offer, claim RewardClaim) *Response {
	if err := o.deps.Challenges.Verify(ctx, claim.ChallengeNonce, claim.ChallengeSignature, claim.Wallet, offer.ID.String()); err != nil {
		message := "challenge verification failed"
		switch {
		case errors.Is(err, challenge.ErrReplayed):
			message = "challenge already used"
		case errors.Is(err, challenge.ErrNotFound):
			message = "challenge not found or expired"
		case errors.Is(err, challenge.ErrMismatch):
			message = "challenge does not match this wallet and offer"
		case errors.Is(err, challenge.ErrSignature):
			message = "challenge signature invalid"
		}
		return jsonResponse(403, map[string]any{"error": "Challenge invalid", "message": message})
	}

	lock := cache.LockOptions{
		TTL:        o.deps.Mutex.TTL,
		MaxRetries: o.deps.Mutex.MaxRetries,
		RetryDelay: o.deps.Mutex.RetryDelay,
	}

	var out *Response
	err := o.deps.Cache.WithLock(ctx, "payment:"+claim.Reference, lock, func(ctx context.Context) error {
		out = o.executeReward(ctx, offer, claim)
		return nil
	})
	if errors.Is(err, cache.ErrLockNotAcquired) {
		return jsonResponse(409, map[string]any{"error": "Payment processing in progress", "retryAfter": 5})
	}
	if err != nil {
		o.deps.Logger.Error("reward pipeline failed", "reference", claim.Reference, "error", err)
		return o.internalError("reward processing failed")
	}
	return out
}

func (o *Orchestrator) executeReward(ctx context.Context, offer *db.Offer, claim RewardClaim) *Response {
	if resp := o.cachedResponse(ctx, claim.Reference, ""); resp != nil {
		return resp
	}

	run, err := o.deps.Store.GetRunByReference(ctx, claim.Reference)
	if errors.Is(err, db.ErrRunNotFound) {
		run, err = o.deps.Store.CreateRun(ctx, offer.ID, claim.Reference, claim.Inputs)
	}
	if err != nil {
		o.deps.Logger.Error("failed to load reward run", "reference", claim.Reference, "error", err)
		return o.internalError("failed to load claim state")
	}
	if run.Status == db.RunStatusExecuted {
		return jsonResponse(200, executedBody(run))
	}
	if run.Status == db.RunStatusFailed {
		// An expired or previously failed reference never reaches the
		// disburser; the claimant must start over.
		return jsonResponse(403, map[string]any{
			"error":   "Claim invalid",
			"message": "this reference has failed or expired; start over with a new reference",
		})
	}

	outcome, err := o.deps.Rewards.Disburse(ctx, offer, run, claim.Wallet, claim.Inputs)
	if err != nil {
		o.markFailed(ctx, claim.Reference)
		if recErr := o.deps.Store.RecordDispatchOutcome(ctx, offer.ID, false); recErr != nil {
			o.deps.Logger.Error("failed to record dispatch outcome", "offer", offer.Slug, "error", recErr)
		}

		switch {
		case errors.Is(err, reward.ErrClaimLimitReached):
			return jsonResponse(403, map[string]any{
				"error":   "Claim limit reached",
				"message": "this wallet has exhausted its claims for this offer",
			})
		case errors.Is(err, db.ErrDuplicateClaim):
			return jsonResponse(403, map[string]any{
				"error":   "Already claimed",
				"message": "a reward was already paid for this reference",
			})
		default:
			o.deps.Logger.Error("reward disbursement failed",
				"offer", offer.Slug, "wallet", claim.Wallet, "error", err)
			return jsonResponse(500, map[string]any{
				"error":   "Reward disbursement failed",
				"details": "the reward could not be paid; the claim was not recorded",
			})
		}
	}

	if recErr := o.deps.Store.RecordDispatchOutcome(ctx, offer.ID, true); recErr != nil {
		o.deps.Logger.Error("failed to record dispatch outcome", "offer", offer.Slug, "error", recErr)
	}

	// Advance the run through paid to executed with the disbursement
	// signature as its payment identity.
	if _, err := o.deps.Store.UpdateRunPaymentAtomic(ctx, claim.Reference, outcome.Signature, claim.Wallet); err != nil && !errors.Is(err, db.ErrRunNotPending) {
		o.deps.Logger.Error("failed to record reward payment", "reference", claim.Reference, "error", err)
	}
	responseData := map[string]any{"reward_paid": true, "reward_amount": outcome.Amount.Atomic()}
	if m, ok := outcome.UpstreamData.(map[string]any); ok {
		for k, v := range m {
			responseData[k] = v
		}
	}
	if _, err := o.deps.Store.MarkRunExecuted(ctx, claim.Reference, 0,
		map[string]any{responseMetadataKey: responseData}); err != nil {
		o.deps.Logger.Error("failed to mark reward run executed", "reference", claim.Reference, "error", err)
	}

	body := map[string]any{
		"success":     true,
		"reward_paid": true,
		"amount":      outcome.Amount.Atomic(),
		"signature":   outcome.Signature,
		"reference":   claim.Reference,
		"data":        outcome.UpstreamData,
	}
	o.cacheSuccess(ctx, claim.Reference, "", body)
	return jsonResponse(200, body)
}

// paymentRequired is the 402 carrying the offer's payment requirements.
func (o *Orchestrator) paymentRequired(offer *db.Offer) *Response {
	requirements := payment.NewRequirements(
		offer.RecipientWallet, offer.PaymentToken, offer.PriceAtomic, o.deps.Payments.Network)
	return jsonResponse(402, map[string]any{
		"status":      402,
		"message":     "Payment Required",
		"payment":     requirements,
		"description": offer.Description,
	})
}

// cachedResponse replays an idempotent hit under either key.
func (o *Orchestrator) cachedResponse(ctx context.Context, identifier, idemKey string) *Response {
	for _, key := range []string{identifier, idemKey} {
		if key == "" {
			continue
		}
		raw, err := o.deps.Cache.GetIdempotent(ctx, key)
		if err == nil {
			return jsonResponse(200, json.RawMessage(raw))
		}
	}
	return nil
}

// cacheSuccess stores the response under the payment identifier and, when
// present, the client idempotency key.
func (o *Orchestrator) cacheSuccess(ctx context.Context, identifier, idemKey string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	for _, key := range []string{identifier, idemKey} {
		if key == "" {
			continue
		}
		if err := o.deps.Cache.SetIdempotent(ctx, key, raw, cache.IdempotencyTTL); err != nil {
			o.deps.Logger.Warn("failed to cache response", "key", key, "error", err)
		}
	}
}

// executedBody reconstructs a 200 body for an already-executed run when the
// idempotent cache has no entry (for example after cache loss).
func executedBody(run *db.Run) map[string]any {
	signature := ""
	if run.Signature != nil {
		signature = *run.Signature
	}
	var durationMs int64
	if run.DurationMs != nil {
		durationMs = *run.DurationMs
	}
	// Metadata merges inputs with the stored response; only the response
	// half is replayed. Rows predating the dedicated key fall back to the
	// whole map.
	data := any(run.Metadata)
	if stored, ok := run.Metadata[responseMetadataKey]; ok {
		data = stored
	}
	return map[string]any{
		"success":     true,
		"data":        data,
		"reference":   run.Reference,
		"signature":   signature,
		"duration_ms": durationMs,
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, reference string) {
	if err := o.deps.Store.MarkRunFailed(ctx, reference); err != nil {
		o.deps.Logger.Error("failed to mark run failed", "reference", reference, "error", err)
	}
}

func (o *Orchestrator) internalError(details string) *Response {
	return jsonResponse(500, map[string]any{"error": "Internal error", "details": details})
}

func chargeKeys(req Request) (reference, idemKey string) {
	switch r := req.(type) {
	case ChargeInit:
		return r.Reference, r.IdempotencyKey
	case ChargeWithEnvelope:
		return r.Reference, r.IdempotencyKey
	case ChargeWithTxHash:
		return r.Reference, r.IdempotencyKey
	case RewardClaim:
		return r.Reference, ""
	}
	return "", ""
}

func inputsOf(req Request) map[string]any {
	switch r := req.(type) {
	case ChargeInit:
		return r.Inputs
	case ChargeWithEnvelope:
		return r.Inputs
	case ChargeWithTxHash:
		return r.Inputs
	case RewardClaim:
		return r.Inputs
	}
	return nil
}
