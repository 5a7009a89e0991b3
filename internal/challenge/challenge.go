// Package challenge issues and verifies single-use signed challenges for
// reward claims. A claimant fetches a challenge bound to their wallet and
// the offer, signs it with their wallet key, and presents nonce plus
// signature with the claim. Each nonce is honored at most once.
package challenge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"blinkgate/internal/cache"
)

const (
	// TTL bounds how long an issued challenge stays claimable.
	TTL = 10 * time.Minute
	// UsedNonceTTL keeps consumed nonces around long enough that a replay
	// within the original validity window is always caught.
	UsedNonceTTL = time.Hour

	challengePrefix = "challenge:"
	usedPrefix      = "challenge_used:"
)

// Verification failures. All map to 403 at the edge.
var (
	ErrReplayed  = errors.New("challenge already used")
	ErrNotFound  = errors.New("challenge not found or expired")
	ErrMismatch  = errors.New("challenge does not match wallet or offer")
	ErrSignature = errors.New("challenge signature invalid")
)

// Issued is a freshly created challenge returned to the claimant.
type Issued struct {
	Challenge string    `json:"challenge"`
	Nonce     string    `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// stored is what lives under the nonce key.
type stored struct {
	Wallet    string `json:"wallet"`
	OfferID   string `json:"offer_id"`
	Timestamp int64  `json:"timestamp"`
}

// Service issues and verifies challenges against the shared key-value store.
type Service struct {
	backend cache.Backend
	logger  *slog.Logger

	// now is overridable for expiry tests.
	now func() time.Time
}

// NewService creates a challenge Service.
func NewService(backend cache.Backend, logger *slog.Logger) *Service {
	return &Service{backend: backend, logger: logger, now: time.Now}
}

// Issue creates a challenge for wallet against offerID and stores it under
// a fresh 256-bit nonce.
func (s *Service) Issue(ctx context.Context, wallet, offerID string) (*Issued, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
	}

	now := s.now()
	entry := stored{Wallet: wallet, OfferID: offerID, Timestamp: now.Unix()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode challenge: %w", err)
	}
	if err := s.backend.Set(ctx, challengePrefix+nonce, string(raw), TTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return &Issued{
		Challenge: canonicalString(wallet, offerID, nonce, entry.Timestamp),
		Nonce:     nonce,
		Timestamp: entry.Timestamp,
		ExpiresAt: now.Add(TTL),
	}, nil
}

// Verify checks the signed challenge and consumes the nonce. First use
// wins; any later attempt with the same nonce fails with ErrReplayed.
func (s *Service) Verify(ctx context.Context, nonce, signature, wallet, offerID string) error {
	if _, err := s.backend.Get(ctx, usedPrefix+nonce); err == nil {
		return ErrReplayed
	}

	raw, err := s.backend.Get(ctx, challengePrefix+nonce)
	if err != nil {
		return ErrNotFound
	}
	var entry stored
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return ErrNotFound
	}

	if entry.Wallet != wallet || entry.OfferID != offerID {
		return ErrMismatch
	}
	if s.now().Sub(time.Unix(entry.Timestamp, 0)) > TTL {
		return ErrNotFound
	}

	if err := verifySignature(wallet, canonicalString(entry.Wallet, entry.OfferID, nonce, entry.Timestamp), signature); err != nil {
		return err
	}

	// Consume the nonce before the claim proceeds so a concurrent replay
	// loses even if the claim itself is still in flight.
	if ok, err := s.backend.SetNX(ctx, usedPrefix+nonce, "1", UsedNonceTTL); err != nil {
		return fmt.Errorf("failed to record nonce use: %w", err)
	} else if !ok {
		return ErrReplayed
	}

	_ = s.backend.Delete(ctx, challengePrefix+nonce)
	return nil
}

// canonicalString is the exact text the claimant signs. Both sides
// regenerate it from the stored fields; the client-provided body is never
// trusted for this.
func canonicalString(wallet, offerID, nonce string, timestamp int64) string {
	return fmt.Sprintf(
		"Sign this message to claim your reward.\nWallet: %s\nOffer: %s\nNonce: %s\nIssued: %d",
		wallet, offerID, nonce, timestamp,
	)
}

func verifySignature(wallet, message, signature string) error {
	pub, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return ErrSignature
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return ErrSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), []byte(message), sig[:]) {
		return ErrSignature
	}
	return nil
}

func newNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
