package payment

import (
	"context"
	"fmt"
	"log/slog"
)

// Verifier dispatches a payment proof to the matching strategy. All
// strategies return the same (signature, payer) pair for the run store.
type Verifier struct {
	facilitator *FacilitatorClient
	scanner     *Scanner
	logger      *slog.Logger
}

// NewVerifier wires the facilitator and on-chain strategies together.
func NewVerifier(facilitator *FacilitatorClient, scanner *Scanner, logger *slog.Logger) *Verifier {
	return &Verifier{facilitator: facilitator, scanner: scanner, logger: logger}
}

// Verify proves the payment described by proof satisfies req.
//
// Envelope proofs go through the facilitator: verify, then settle, with the
// payer taken from the transfer authority inside the envelope's transaction.
// TxHash proofs are trusted as-is with an empty payer. Reference proofs are
// resolved by scanning the chain.
func (v *Verifier) Verify(ctx context.Context, proof Proof, req Requirements) (*Verified, error) {
	switch p := proof.(type) {
	case Envelope:
		return v.verifyEnvelope(ctx, p, req)
	case TxHash:
		if p.Hash == "" {
			return nil, fmt.Errorf("%w: empty transaction hash", ErrVerificationFailed)
		}
		v.logger.Info("accepting trusted transaction hash", "signature", p.Hash)
		return &Verified{Signature: p.Hash, Payer: ""}, nil
	case OnChainReference:
		return v.scanner.Scan(ctx, p.Reference, req)
	default:
		return nil, fmt.Errorf("%w: unsupported proof type %T", ErrVerificationFailed, proof)
	}
}

func (v *Verifier) verifyEnvelope(ctx context.Context, env Envelope, req Requirements) (*Verified, error) {
	verifyResp, err := v.facilitator.Verify(ctx, env, req)
	if err != nil {
		return nil, err
	}

	settleResp, err := v.facilitator.Settle(ctx, env, req)
	if err != nil {
		return nil, err
	}

	// Prefer the transfer authority from the envelope's own transaction;
	// the facilitator's payer field may name the fee payer instead.
	payer := ""
	if decoded, err := decodeEnvelope(env.Header); err == nil {
		if p, err := payerFromEnvelope(decoded); err == nil {
			payer = p
		}
	}
	if payer == "" {
		payer = settleResp.Payer
	}
	if payer == "" {
		payer = verifyResp.Payer
	}

	v.logger.Info("payment settled via facilitator",
		"signature", settleResp.Transaction, "payer", payer, "network", settleResp.Network)

	return &Verified{Signature: settleResp.Transaction, Payer: payer}, nil
}
