package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blinkgate/internal/db"
	"blinkgate/internal/payment"
)

func TestParseRequest_EnvelopeWinsOverTxHash(t *testing.T) {
	headers := headersOf(map[string]string{
		HeaderPayment:   "ZW52ZWxvcGU=",
		HeaderPaymentTx: "tx-hash-1",
	})

	req, err := ParseRequest(db.OfferModeCharge, []byte(`{"reference":"ref-1"}`), headers)
	require.NoError(t, err)

	env, ok := req.(ChargeWithEnvelope)
	require.True(t, ok, "expected envelope shape, got %T", req)
	assert.Equal(t, "ref-1", env.Reference)
	assert.Equal(t, "ZW52ZWxvcGU=", env.Envelope.Header)
}

func TestParseRequest_TxHashFromHeaderAndBody(t *testing.T) {
	req, err := ParseRequest(db.OfferModeCharge, nil,
		headersOf(map[string]string{HeaderPaymentTx: "tx-header"}))
	require.NoError(t, err)
	hash, ok := req.(ChargeWithTxHash)
	require.True(t, ok)
	assert.Equal(t, "tx-header", hash.Hash)
	assert.NotEmpty(t, hash.Reference, "a reference is generated when absent")

	req, err = ParseRequest(db.OfferModeCharge, []byte(`{"signature":"tx-body"}`), noHeaders)
	require.NoError(t, err)
	assert.Equal(t, "tx-body", req.(ChargeWithTxHash).Hash)

	req, err = ParseRequest(db.OfferModeCharge, []byte(`{"paymentTx":"tx-legacy"}`), noHeaders)
	require.NoError(t, err)
	assert.Equal(t, "tx-legacy", req.(ChargeWithTxHash).Hash)
}

func TestParseRequest_ReferenceOnlyIsChargeInit(t *testing.T) {
	req, err := ParseRequest(db.OfferModeCharge, []byte(`{"reference":"ref-scan"}`), noHeaders)
	require.NoError(t, err)

	init, ok := req.(ChargeInit)
	require.True(t, ok)
	assert.Equal(t, "ref-scan", init.Reference)
}

func TestParseRequest_NoProofNoReference(t *testing.T) {
	_, err := ParseRequest(db.OfferModeCharge, []byte(`{"text":"hello"}`), noHeaders)
	assert.ErrorIs(t, err, ErrNoPayment)

	_, err = ParseRequest(db.OfferModeCharge, nil, noHeaders)
	assert.ErrorIs(t, err, ErrNoPayment)
}

func TestParseRequest_BadBody(t *testing.T) {
	_, err := ParseRequest(db.OfferModeCharge, []byte(`[1,2,3]`), noHeaders)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = ParseRequest(db.OfferModeCharge, []byte(`{broken`), noHeaders)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestParseRequest_IdempotencyKeyHeaders(t *testing.T) {
	req, err := ParseRequest(db.OfferModeCharge, []byte(`{"reference":"r"}`),
		headersOf(map[string]string{HeaderIdempotencyKey: "key-main"}))
	require.NoError(t, err)
	assert.Equal(t, "key-main", req.(ChargeInit).IdempotencyKey)

	req, err = ParseRequest(db.OfferModeCharge, []byte(`{"reference":"r"}`),
		headersOf(map[string]string{HeaderIdempotencyAlt: "key-alt"}))
	require.NoError(t, err)
	assert.Equal(t, "key-alt", req.(ChargeInit).IdempotencyKey)

	// Canonical header wins over the alternate spelling.
	req, err = ParseRequest(db.OfferModeCharge, []byte(`{"reference":"r"}`),
		headersOf(map[string]string{HeaderIdempotencyKey: "key-main", HeaderIdempotencyAlt: "key-alt"}))
	require.NoError(t, err)
	assert.Equal(t, "key-main", req.(ChargeInit).IdempotencyKey)
}

func TestParseRequest_ForwardedInputs(t *testing.T) {
	body := []byte(`{
		"reference": "ref-1",
		"signature": "tx-1",
		"wallet": "w",
		"_response": "spoofed",
		"data": {"prompt": "summarize this", "depth": 2},
		"lang": "en",
		"verbose": true,
		"nested": {"dropped": true},
		"list": [1, 2]
	}`)

	req, err := ParseRequest(db.OfferModeCharge, body, noHeaders)
	require.NoError(t, err)

	inputs := req.(ChargeWithTxHash).Inputs
	assert.Equal(t, "summarize this", inputs["prompt"])
	assert.Equal(t, float64(2), inputs["depth"])
	assert.Equal(t, "en", inputs["lang"])
	assert.Equal(t, true, inputs["verbose"])

	// Reserved fields and non-scalar top-level values never forward.
	for _, k := range []string{"reference", "signature", "wallet", "_response", "nested", "list", "data"} {
		_, present := inputs[k]
		assert.False(t, present, "field %q should not forward", k)
	}
}

func TestParseRequest_EmptyInputsAreNil(t *testing.T) {
	req, err := ParseRequest(db.OfferModeCharge, []byte(`{"reference":"ref-1"}`), noHeaders)
	require.NoError(t, err)
	assert.Nil(t, req.(ChargeInit).Inputs)
}

func TestParseRequest_RewardClaim(t *testing.T) {
	body := []byte(`{
		"wallet": "claimer-wallet",
		"_challengeNonce": "nonce-1",
		"_challengeSignature": "sig-1",
		"handle": "@someone"
	}`)

	req, err := ParseRequest(db.OfferModeReward, body, noHeaders)
	require.NoError(t, err)

	claim, ok := req.(RewardClaim)
	require.True(t, ok)
	assert.Equal(t, "claimer-wallet", claim.Wallet)
	assert.Equal(t, "nonce-1", claim.ChallengeNonce)
	assert.Equal(t, "sig-1", claim.ChallengeSignature)
	assert.NotEmpty(t, claim.Reference)
	assert.Equal(t, "@someone", claim.Inputs["handle"])
}

func TestParseRequest_RewardClaimValidation(t *testing.T) {
	_, err := ParseRequest(db.OfferModeReward,
		[]byte(`{"_challengeNonce":"n","_challengeSignature":"s"}`), noHeaders)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = ParseRequest(db.OfferModeReward, []byte(`{"wallet":"w"}`), noHeaders)
	assert.ErrorIs(t, err, ErrBadRequest)

	// userWallet is accepted as an alias for wallet.
	req, err := ParseRequest(db.OfferModeReward,
		[]byte(`{"userWallet":"w2","_challengeNonce":"n","_challengeSignature":"s"}`), noHeaders)
	require.NoError(t, err)
	assert.Equal(t, "w2", req.(RewardClaim).Wallet)
}

func TestProof(t *testing.T) {
	assert.Equal(t, payment.Envelope{Header: "e"},
		Proof(ChargeWithEnvelope{Envelope: payment.Envelope{Header: "e"}}))
	assert.Equal(t, payment.TxHash{Hash: "h"}, Proof(ChargeWithTxHash{Hash: "h"}))
	assert.Equal(t, payment.OnChainReference{Reference: "r"}, Proof(ChargeInit{Reference: "r"}))
	assert.Nil(t, Proof(RewardClaim{}))
}

func TestNewReferenceIsUniqueAndBase58(t *testing.T) {
	a := newReference()
	b := newReference()
	assert.NotEqual(t, a, b)
	assert.Greater(t, len(a), 32)
	assert.NotContains(t, a, "0")
	assert.NotContains(t, a, "O")
}
