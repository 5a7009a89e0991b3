package challenge

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/cache"
)

func newTestService(t *testing.T) (*Service, *cache.MemoryBackend) {
	t.Helper()
	b := cache.NewMemoryBackend()
	return NewService(b, slog.New(slog.DiscardHandler)), b
}

func signChallenge(t *testing.T, w *solana.Wallet, message string) string {
	t.Helper()
	sig, err := w.PrivateKey.Sign([]byte(message))
	require.NoError(t, err)
	return sig.String()
}

func TestIssueAndVerify(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)
	assert.Len(t, issued.Nonce, 64, "nonce must be 256 bits hex-encoded")
	assert.Contains(t, issued.Challenge, walletAddr)
	assert.Contains(t, issued.Challenge, issued.Nonce)

	sig := signChallenge(t, claimant, issued.Challenge)
	require.NoError(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"))
}

func TestVerify_NonceHonoredAtMostOnce(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)
	sig := signChallenge(t, claimant, issued.Challenge)

	require.NoError(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"))
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"), ErrReplayed)
}

func TestVerify_UnknownNonce(t *testing.T) {
	s, _ := newTestService(t)
	err := s.Verify(context.Background(), "deadbeef", "sig", "wallet", "offer-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_WalletAndOfferMustMatch(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)
	sig := signChallenge(t, claimant, issued.Challenge)

	other := solana.NewWallet().PublicKey().String()
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, other, "offer-1"), ErrMismatch)
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-2"), ErrMismatch)
}

func TestVerify_WrongSignerRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)

	imposter := solana.NewWallet()
	sig := signChallenge(t, imposter, issued.Challenge)
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"), ErrSignature)
}

func TestVerify_TamperedChallengeRejected(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)

	sig := signChallenge(t, claimant, issued.Challenge+" extra")
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"), ErrSignature)
}

func TestVerify_ExpiredChallengeRejected(t *testing.T) {
	b := cache.NewMemoryBackend()
	now := time.Now()
	b.Now = func() time.Time { return now }
	s := NewService(b, slog.New(slog.DiscardHandler))
	s.now = func() time.Time { return now }
	ctx := context.Background()

	claimant := solana.NewWallet()
	walletAddr := claimant.PublicKey().String()

	issued, err := s.Issue(ctx, walletAddr, "offer-1")
	require.NoError(t, err)
	sig := signChallenge(t, claimant, issued.Challenge)

	// Just inside the window still verifies after re-issue; past it fails.
	now = now.Add(TTL + time.Second)
	assert.ErrorIs(t, s.Verify(ctx, issued.Nonce, sig, walletAddr, "offer-1"), ErrNotFound)
}
