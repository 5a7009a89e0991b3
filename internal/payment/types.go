// Package payment verifies that a run was paid for. Three strategies are
// supported: a facilitator-mediated envelope, a trusted transaction hash,
// and a direct on-chain scan by reference. All strategies converge on the
// same (signature, payer) pair.
package payment

import (
	"errors"

	"blinkgate/internal/token"
)

// Sentinel errors for verification outcomes.
var (
	// ErrVerificationFailed means the payment proof was inspected and
	// rejected. The run is marked failed and the caller gets 402.
	ErrVerificationFailed = errors.New("payment verification failed")

	// ErrFacilitatorUnavailable means the facilitator could not be reached.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrPaymentNotFound means no confirmed transaction carrying the
	// reference was found on chain within the retry budget.
	ErrPaymentNotFound = errors.New("no confirmed payment found for reference")
)

// Proof is the payment evidence attached to a request. Exactly one concrete
// shape applies per request; the orchestrator selects it from headers and
// body fields.
type Proof interface {
	proofKind() string
}

// Envelope is a base64-encoded payment envelope from the X-Payment header,
// carrying a pre-signed transaction for the facilitator to verify and settle.
type Envelope struct {
	Header string
}

// TxHash is a transaction hash the caller asserts was already settled.
// The hash is trusted as-is; the payer stays empty.
type TxHash struct {
	Hash string
}

// OnChainReference asks the verifier to scan the chain for a confirmed
// transaction carrying the run's reference as a read-only key.
type OnChainReference struct {
	Reference string
}

func (Envelope) proofKind() string         { return "envelope" }
func (TxHash) proofKind() string           { return "tx_hash" }
func (OnChainReference) proofKind() string { return "onchain_reference" }

// Requirements describes what a valid payment must look like. It is both
// the verifier's expectation and the `payment` object of 402 responses.
type Requirements struct {
	RecipientWallet string       `json:"recipientWallet"`
	Mint            string       `json:"mint"`
	Amount          token.Amount `json:"amount"`
	Network         string       `json:"network"`
	Scheme          string       `json:"scheme"`
}

// NewRequirements builds Requirements for an offer's price. Scheme is
// always "exact": the payment must transfer at least the stated amount of
// the stated asset to the stated recipient.
func NewRequirements(recipient, mint string, amount token.Amount, network string) Requirements {
	return Requirements{
		RecipientWallet: recipient,
		Mint:            mint,
		Amount:          amount,
		Network:         network,
		Scheme:          "exact",
	}
}

// Verified is the outcome every strategy converges on.
type Verified struct {
	// Signature is the chain-assigned identifier of the settled payment.
	Signature string
	// Payer is the wallet that funded the payment. Empty for the trusted
	// tx-hash strategy, where the counterparty never disclosed it.
	Payer string
}
