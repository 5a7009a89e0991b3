// Package proxy composes the catalog, run store, mutex, verifier, upstream
// dispatcher, reward and refund subsystems behind the single priced-call
// entry point.
package proxy

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"blinkgate/internal/db"
	"blinkgate/internal/payment"
)

// Header names recognized on priced calls.
const (
	HeaderPayment        = "X-Payment"
	HeaderPaymentTx      = "X-Payment-Tx"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIdempotencyAlt = "X-Idempotency-Key"
)

// ErrNoPayment means a charge request arrived with no envelope, no tx hash
// and no reference. The orchestrator answers it with 402 payment
// requirements rather than an error.
var ErrNoPayment = errors.New("no payment proof or reference provided")

// ErrBadRequest wraps request-shape validation failures.
var ErrBadRequest = errors.New("invalid request")

// Request is the tagged union of the shapes a priced call can take. The
// concrete type is selected from headers and well-known body fields; all
// remaining scalar fields become the forwarded payload.
type Request interface {
	requestKind() string
}

// ChargeInit carries only a reference. Payment is resolved by scanning the
// chain for a transaction that references it.
type ChargeInit struct {
	Reference      string
	IdempotencyKey string
	Inputs         map[string]any
}

// ChargeWithEnvelope carries a facilitator payment envelope.
type ChargeWithEnvelope struct {
	Reference      string
	Envelope       payment.Envelope
	IdempotencyKey string
	Inputs         map[string]any
}

// ChargeWithTxHash carries a transaction hash the caller asserts settled.
type ChargeWithTxHash struct {
	Reference      string
	Hash           string
	IdempotencyKey string
	Inputs         map[string]any
}

// RewardClaim carries a signed challenge for a reward offer.
type RewardClaim struct {
	Reference          string
	Wallet             string
	ChallengeNonce     string
	ChallengeSignature string
	Inputs             map[string]any
}

func (ChargeInit) requestKind() string         { return "charge_init" }
func (ChargeWithEnvelope) requestKind() string { return "charge_envelope" }
func (ChargeWithTxHash) requestKind() string   { return "charge_tx_hash" }
func (RewardClaim) requestKind() string        { return "reward_claim" }

// Proof returns the payment proof for the charge shapes, nil for rewards.
func Proof(r Request) payment.Proof {
	switch req := r.(type) {
	case ChargeWithEnvelope:
		return req.Envelope
	case ChargeWithTxHash:
		return payment.TxHash{Hash: req.Hash}
	case ChargeInit:
		return payment.OnChainReference{Reference: req.Reference}
	default:
		return nil
	}
}

// ParseRequest decodes the body and headers into the matching request
// shape for the offer's mode. header looks a request header up by name,
// returning "" when absent.
func ParseRequest(mode db.OfferMode, rawBody []byte, header func(string) string) (Request, error) {
	body := make(map[string]any)
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			return nil, fmt.Errorf("%w: body is not a JSON object", ErrBadRequest)
		}
	}

	reference := stringField(body, "reference")
	inputs := forwardedInputs(body)

	if mode == db.OfferModeReward {
		claim := RewardClaim{
			Reference:          reference,
			Wallet:             firstNonEmpty(stringField(body, "wallet"), stringField(body, "userWallet")),
			ChallengeNonce:     stringField(body, "_challengeNonce"),
			ChallengeSignature: stringField(body, "_challengeSignature"),
			Inputs:             inputs,
		}
		if claim.Wallet == "" {
			return nil, fmt.Errorf("%w: reward claims require a wallet", ErrBadRequest)
		}
		if claim.ChallengeNonce == "" || claim.ChallengeSignature == "" {
			return nil, fmt.Errorf("%w: reward claims require _challengeNonce and _challengeSignature", ErrBadRequest)
		}
		if claim.Reference == "" {
			claim.Reference = newReference()
		}
		return claim, nil
	}

	idemKey := firstNonEmpty(header(HeaderIdempotencyKey), header(HeaderIdempotencyAlt))

	if envelope := header(HeaderPayment); envelope != "" {
		if reference == "" {
			reference = newReference()
		}
		return ChargeWithEnvelope{
			Reference:      reference,
			Envelope:       payment.Envelope{Header: envelope},
			IdempotencyKey: idemKey,
			Inputs:         inputs,
		}, nil
	}

	if hash := firstNonEmpty(header(HeaderPaymentTx), stringField(body, "signature"), stringField(body, "paymentTx")); hash != "" {
		if reference == "" {
			reference = newReference()
		}
		return ChargeWithTxHash{
			Reference:      reference,
			Hash:           hash,
			IdempotencyKey: idemKey,
			Inputs:         inputs,
		}, nil
	}

	if reference == "" {
		return nil, ErrNoPayment
	}
	return ChargeInit{Reference: reference, IdempotencyKey: idemKey, Inputs: inputs}, nil
}

// reservedFields are consumed by the proxy and never forwarded upstream.
var reservedFields = map[string]bool{
	"reference":           true,
	"signature":           true,
	"paymentTx":           true,
	"wallet":              true,
	"userWallet":          true,
	"_challengeNonce":     true,
	"_challengeSignature": true,
	"_response":           true,
	"data":                true,
}

// forwardedInputs collects the payload forwarded upstream: the `data`
// object plus any remaining top-level scalar fields.
func forwardedInputs(body map[string]any) map[string]any {
	inputs := make(map[string]any)

	if data, ok := body["data"].(map[string]any); ok {
		for k, v := range data {
			inputs[k] = v
		}
	}

	for k, v := range body {
		if reservedFields[k] {
			continue
		}
		switch v.(type) {
		case string, float64, bool, nil:
			inputs[k] = v
		}
	}

	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

// newReference generates a 256-bit reference for callers that did not
// choose one. Base58 keeps it usable as an on-chain account key.
func newReference() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base58.Encode(b)
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
