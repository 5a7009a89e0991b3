package wallet

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/config"
	"blinkgate/internal/token"
)

type fakeRPC struct {
	sendErr     error
	sentTxs     []*solana.Transaction
	statuses    []*rpc.SignatureStatusesResult
	statusCalls int
}

func (f *fakeRPC) GetLatestBlockhash(_ context.Context, _ rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sentTxs = append(f.sentTxs, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	i := f.statusCalls
	f.statusCalls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	if i < 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.statuses[i]}}, nil
}

func newTestWallet(t *testing.T, client RPCClient) *Wallet {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	w, err := Load(key.String(), client, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return w
}

func TestLoad_RejectsGarbage(t *testing.T) {
	_, err := Load("not-a-key", &fakeRPC{}, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestLoad_DerivesAddress(t *testing.T) {
	key := solana.NewWallet()
	w, err := Load(key.PrivateKey.String(), &fakeRPC{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), w.Address())
}

func TestBuildTransfer_TokenCarriesReferenceAndMemo(t *testing.T) {
	w := newTestWallet(t, &fakeRPC{})
	ref := solana.NewWallet().PublicKey()

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.USDCMainnetMint,
		Amount:    token.Amount(250_000),
		Memo:      "reward:my-offer",
		Reference: ref.String(),
	})
	require.NoError(t, err)

	// compute budget x2, ATA create, transfer, memo
	require.Len(t, tx.Message.Instructions, 5)
	assert.True(t, tx.Message.IsSigner(w.pub))

	found := false
	for _, key := range tx.Message.AccountKeys {
		if key.Equals(ref) {
			found = true
		}
	}
	assert.True(t, found, "reference key must ride along in the transaction")

	memoIx := tx.Message.Instructions[4]
	assert.Equal(t, "reward:my-offer", string(memoIx.Data))
}

func TestBuildTransfer_NativeMovesLamports(t *testing.T) {
	w := newTestWallet(t, &fakeRPC{})

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.NativeMint,
		Amount:    token.Amount(1_000_000),
	})
	require.NoError(t, err)

	// compute budget x2, system transfer; no ATA create, no memo
	assert.Len(t, tx.Message.Instructions, 3)
}

func TestBuildTransfer_Rejects(t *testing.T) {
	w := newTestWallet(t, &fakeRPC{})

	_, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: "bogus", Mint: config.NativeMint, Amount: 1,
	})
	assert.Error(t, err)

	_, err = w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(), Mint: config.NativeMint, Amount: 0,
	})
	assert.Error(t, err)
}

func TestBroadcast_ReturnsSignatureWithoutWaiting(t *testing.T) {
	f := &fakeRPC{}
	w := newTestWallet(t, f)

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.NativeMint,
		Amount:    token.Amount(500),
	})
	require.NoError(t, err)

	sig, err := w.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, sig.IsZero())
	assert.Zero(t, f.statusCalls, "plain broadcast must not poll for confirmation")
}

func TestBroadcastAndConfirm_WaitsForConfirmedStatus(t *testing.T) {
	f := &fakeRPC{
		statuses: []*rpc.SignatureStatusesResult{
			{ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		},
	}
	w := newTestWallet(t, f)

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.NativeMint,
		Amount:    token.Amount(500),
	})
	require.NoError(t, err)

	sig, err := w.BroadcastAndConfirm(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, sig.IsZero())
	assert.GreaterOrEqual(t, f.statusCalls, 2)
}

func TestBroadcastAndConfirm_OnChainFailureSurfaces(t *testing.T) {
	f := &fakeRPC{
		statuses: []*rpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{}}},
		},
	}
	w := newTestWallet(t, f)

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.NativeMint,
		Amount:    token.Amount(500),
	})
	require.NoError(t, err)

	_, err = w.BroadcastAndConfirm(context.Background(), tx)
	assert.ErrorContains(t, err, "failed on chain")
}

func TestBroadcast_SendFailure(t *testing.T) {
	f := &fakeRPC{sendErr: errors.New("node rejected")}
	w := newTestWallet(t, f)

	tx, err := w.BuildTransfer(context.Background(), TransferParams{
		Recipient: solana.NewWallet().PublicKey().String(),
		Mint:      config.NativeMint,
		Amount:    token.Amount(500),
	})
	require.NoError(t, err)

	_, err = w.Broadcast(context.Background(), tx)
	assert.ErrorContains(t, err, "failed to broadcast")
}
