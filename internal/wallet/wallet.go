// Package wallet holds the server-side keypairs and builds the outbound
// token transfers used for reward disbursement and refunds.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/system"
	spltoken "github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"blinkgate/internal/config"
	"blinkgate/internal/token"
)

// ErrConfirmationTimeout means the transaction was broadcast but did not
// reach confirmed commitment within the wait budget.
var ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

// RPCClient is the slice of the chain RPC surface the wallet needs.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Wallet is a loaded keypair bound to an RPC endpoint.
type Wallet struct {
	priv   solana.PrivateKey
	pub    solana.PublicKey
	client RPCClient
	logger *slog.Logger
}

// Load parses a base58-encoded 64-byte keypair from configuration.
func Load(base58Key string, client RPCClient, logger *slog.Logger) (*Wallet, error) {
	priv, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet key: %w", err)
	}
	return &Wallet{
		priv:   priv,
		pub:    priv.PublicKey(),
		client: client,
		logger: logger,
	}, nil
}

// Address returns the wallet's base58 public key.
func (w *Wallet) Address() string {
	return w.pub.String()
}

// TransferParams describes one outbound transfer.
type TransferParams struct {
	Recipient string
	Mint      string
	Amount    token.Amount
	// Memo is attached as a memo instruction, naming the offer.
	Memo string
	// Reference, when set, rides along as a read-only account key so the
	// transfer can later be found by scanning for it.
	Reference string
}

// BuildTransfer constructs and signs a transfer from this wallet. Native
// transfers move lamports directly; token transfers go through the
// recipient's associated token account, creating it if needed.
func (w *Wallet) BuildTransfer(ctx context.Context, p TransferParams) (*solana.Transaction, error) {
	recipient, err := solana.PublicKeyFromBase58(p.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %s", p.Amount.Atomic())
	}

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(200_000).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(1).Build(),
	}

	var transfer solana.Instruction
	if p.Mint == config.NativeMint {
		transfer = system.NewTransferInstruction(uint64(p.Amount), w.pub, recipient).Build()
	} else {
		mint, err := solana.PublicKeyFromBase58(p.Mint)
		if err != nil {
			return nil, fmt.Errorf("invalid mint address: %w", err)
		}
		sourceATA, _, err := solana.FindAssociatedTokenAddress(w.pub, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive source token account: %w", err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive destination token account: %w", err)
		}

		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(w.pub, recipient, mint).Build())
		transfer = spltoken.NewTransferCheckedInstruction(
			uint64(p.Amount), token.USDCDecimals,
			sourceATA, mint, destATA, w.pub,
			[]solana.PublicKey{},
		).Build()
	}

	if p.Reference != "" {
		transfer, err = withReferenceKey(transfer, p.Reference)
		if err != nil {
			return nil, err
		}
	}
	instructions = append(instructions, transfer)

	if p.Memo != "" {
		instructions = append(instructions, memo.NewMemoInstruction([]byte(p.Memo), w.pub).Build())
	}

	blockhash, err := w.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(w.pub))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.pub) {
			return &w.priv
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return tx, nil
}

// withReferenceKey appends the reference as a read-only non-signer account
// on the transfer instruction.
func withReferenceKey(ix solana.Instruction, reference string) (solana.Instruction, error) {
	refKey, err := solana.PublicKeyFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("invalid reference key: %w", err)
	}
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction data: %w", err)
	}
	accounts := append(solana.AccountMetaSlice{}, ix.Accounts()...)
	accounts = append(accounts, solana.Meta(refKey))
	return solana.NewInstruction(ix.ProgramID(), accounts, data), nil
}

// Broadcast submits the transaction without waiting for confirmation.
// Reward payouts use this path; broadcast acceptance is sufficient there.
func (w *Wallet) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := w.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	w.logger.Info("transaction broadcast", "signature", sig.String(), "wallet", w.Address())
	return sig, nil
}

// BroadcastAndConfirm submits the transaction and polls until it reaches
// confirmed commitment. Refunds use this path: the refund row is only
// marked issued once the transfer is known to have landed.
func (w *Wallet) BroadcastAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := w.Broadcast(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-time.After(time.Second):
		}

		statuses, err := w.client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			continue
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			continue
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return sig, fmt.Errorf("transaction %s failed on chain", sig.String())
		}
		if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
			return sig, nil
		}
	}

	return sig, ErrConfirmationTimeout
}
