package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"blinkgate/internal/retry"
)

// FacilitatorClient talks to the external facilitator that verifies and
// broadcasts pre-signed payment envelopes.
type FacilitatorClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewFacilitatorClient creates a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string, logger *slog.Logger) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// facilitatorRequest is the payload for both /verify and /settle.
type facilitatorRequest struct {
	X402Version         int             `json:"x402Version"`
	PaymentPayload      json.RawMessage `json:"paymentPayload"`
	PaymentRequirements Requirements    `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's judgment on an envelope.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse reports the broadcast of a verified envelope.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Verify asks the facilitator to check the envelope against the payment
// requirements without broadcasting anything. Transient transport failures
// are retried; a definitive rejection is not.
func (c *FacilitatorClient) Verify(ctx context.Context, env Envelope, req Requirements) (*VerifyResponse, error) {
	payload, err := envelopeToPayload(env)
	if err != nil {
		return nil, err
	}

	return retry.Do(ctx, retry.FacilitatorVerify, isFacilitatorRetryable, func() (*VerifyResponse, error) {
		var resp VerifyResponse
		if err := c.post(ctx, "/verify", payload, req, &resp); err != nil {
			return nil, err
		}
		if !resp.IsValid {
			c.logger.Info("facilitator rejected payment envelope", "reason", resp.InvalidReason)
			return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, resp.InvalidReason)
		}
		return &resp, nil
	})
}

// Settle asks the facilitator to broadcast the verified envelope. Settlement
// is never retried here: a broadcast may have landed even when the response
// was lost, and re-submitting risks a duplicate.
func (c *FacilitatorClient) Settle(ctx context.Context, env Envelope, req Requirements) (*SettleResponse, error) {
	payload, err := envelopeToPayload(env)
	if err != nil {
		return nil, err
	}

	var resp SettleResponse
	if err := c.post(ctx, "/settle", payload, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		c.logger.Warn("facilitator settlement failed", "reason", resp.ErrorReason)
		return nil, fmt.Errorf("%w: settlement: %s", ErrVerificationFailed, resp.ErrorReason)
	}
	if resp.Transaction == "" {
		return nil, fmt.Errorf("%w: settlement returned no transaction signature", ErrVerificationFailed)
	}
	return &resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, payload json.RawMessage, req Requirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         1,
		PaymentPayload:      payload,
		PaymentRequirements: req,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build facilitator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrFacilitatorUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("%w: facilitator status %d: %s", ErrVerificationFailed, resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}

// envelopeToPayload re-encodes the header's JSON payload for the
// facilitator, validating it parses on the way.
func envelopeToPayload(env Envelope) (json.RawMessage, error) {
	decoded, err := decodeEnvelope(env.Header)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode envelope: %w", err)
	}
	return raw, nil
}

// isFacilitatorRetryable retries only transport-level failures, never a
// definitive verification verdict.
func isFacilitatorRetryable(err error) bool {
	return errors.Is(err, ErrFacilitatorUnavailable)
}
