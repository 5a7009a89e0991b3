package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"blinkgate/internal/config"
	"blinkgate/internal/retry"
)

// ChainClient is the slice of the RPC surface the scanner needs. The
// production implementation is *rpc.Client.
type ChainClient interface {
	GetSignaturesForAddress(ctx context.Context, account solana.PublicKey) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Scanner verifies payments by looking the reference up on chain. The
// reference rides along as a read-only account key, so any transaction
// touching it is a candidate.
type Scanner struct {
	client ChainClient
	logger *slog.Logger
}

// NewScanner creates a Scanner over the given chain client.
func NewScanner(client ChainClient, logger *slog.Logger) *Scanner {
	return &Scanner{client: client, logger: logger}
}

// Scan searches for a confirmed transaction carrying reference as an
// account key and paying at least the required amount to the recipient.
// Propagation lag is absorbed by a bounded retry.
func (s *Scanner) Scan(ctx context.Context, reference string, req Requirements) (*Verified, error) {
	refKey, err := solana.PublicKeyFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: reference is not a valid address", ErrVerificationFailed)
	}

	return retry.Do(ctx, retry.OnChainScan, isScanRetryable, func() (*Verified, error) {
		return s.scanOnce(ctx, refKey, req)
	})
}

func (s *Scanner) scanOnce(ctx context.Context, refKey solana.PublicKey, req Requirements) (*Verified, error) {
	sigs, err := s.client.GetSignaturesForAddress(ctx, refKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query signatures for reference: %w", err)
	}
	if len(sigs) == 0 {
		return nil, ErrPaymentNotFound
	}

	maxVersion := uint64(0)
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}

		result, err := s.client.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil {
			s.logger.Warn("failed to fetch candidate transaction", "signature", sig.Signature, "error", err)
			continue
		}
		if result == nil || result.Meta == nil || result.Meta.Err != nil {
			continue
		}

		tx, err := result.Transaction.GetTransaction()
		if err != nil {
			continue
		}

		if !paysRequirement(tx, result.Meta, req) {
			continue
		}

		payer, err := payerFromTransaction(tx)
		if err != nil {
			// Transfer was detected via balance deltas only; fall back
			// to the fee payer.
			payer = tx.Message.AccountKeys[0].String()
		}

		return &Verified{Signature: sig.Signature.String(), Payer: payer}, nil
	}

	return nil, ErrPaymentNotFound
}

// paysRequirement checks the transaction credited the expected recipient
// with at least the expected amount of the expected asset.
func paysRequirement(tx *solana.Transaction, meta *rpc.TransactionMeta, req Requirements) bool {
	if req.Mint == config.NativeMint {
		return nativeCredit(tx, meta, req.RecipientWallet) >= uint64(req.Amount)
	}
	return tokenCredit(meta, req.Mint, req.RecipientWallet) >= uint64(req.Amount)
}

// nativeCredit returns the lamports gained by the recipient account.
func nativeCredit(tx *solana.Transaction, meta *rpc.TransactionMeta, recipient string) uint64 {
	for i, key := range tx.Message.AccountKeys {
		if key.String() != recipient {
			continue
		}
		if i >= len(meta.PreBalances) || i >= len(meta.PostBalances) {
			return 0
		}
		if meta.PostBalances[i] > meta.PreBalances[i] {
			return meta.PostBalances[i] - meta.PreBalances[i]
		}
		return 0
	}
	return 0
}

// tokenCredit returns the smallest-unit gain across the recipient's token
// accounts for the given mint.
func tokenCredit(meta *rpc.TransactionMeta, mint, recipient string) uint64 {
	pre := make(map[uint16]uint64)
	for _, b := range meta.PreTokenBalances {
		if matchesBalance(b, mint, recipient) {
			pre[b.AccountIndex] = parseRawAmount(b)
		}
	}

	var credit uint64
	for _, b := range meta.PostTokenBalances {
		if !matchesBalance(b, mint, recipient) {
			continue
		}
		post := parseRawAmount(b)
		if before, ok := pre[b.AccountIndex]; ok {
			if post > before {
				credit += post - before
			}
		} else {
			credit += post
		}
	}
	return credit
}

func matchesBalance(b rpc.TokenBalance, mint, recipient string) bool {
	if b.Mint.String() != mint {
		return false
	}
	return b.Owner != nil && b.Owner.String() == recipient
}

func parseRawAmount(b rpc.TokenBalance) uint64 {
	if b.UiTokenAmount == nil {
		return 0
	}
	n, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// isScanRetryable keeps polling while the transaction may simply not have
// propagated yet; RPC transport errors are retried too.
func isScanRetryable(err error) bool {
	return errors.Is(err, ErrPaymentNotFound) || !errors.Is(err, ErrVerificationFailed)
}
