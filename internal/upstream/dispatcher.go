// Package upstream forwards paid requests to offer endpoints. The dispatcher
// owns the outbound HTTP client, the response size cap and the mapping of
// upstream failures to caller-facing errors.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"blinkgate/internal/retry"
	"blinkgate/internal/ssrf"
)

// ErrTimeout marks a dispatch that exceeded the hard deadline. The proxy
// maps it to 504 and leaves a verified payment retryable.
var ErrTimeout = errors.New("upstream request timed out")

// ErrResponseTooLarge marks a response body exceeding the configured cap.
var ErrResponseTooLarge = errors.New("upstream response exceeds size limit")

// Error carries an upstream non-2xx outcome with a human-readable message.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// Envelope is the payment context merged into every forwarded body.
type Envelope struct {
	Reference string
	Signature string
	Payer     string
	Inputs    map[string]any
}

// Result is a successfully dispatched upstream response.
type Result struct {
	StatusCode int
	// Data holds the response in structured form: decoded JSON, a
	// {type: website, html} wrapper, or a base64 image wrapper.
	Data any
	// Raw is the response body as received, for idempotent caching.
	Raw []byte
	// Duration is wall time from request start to body fully read.
	Duration time.Duration
}

// Dispatcher is the bounded HTTP client for offer endpoints.
type Dispatcher struct {
	guard       *ssrf.Guard
	client      *http.Client
	timeout     time.Duration
	maxBytes    int64
	retryPolicy retry.Policy
	logger      *slog.Logger
}

// New creates a Dispatcher. timeout bounds each forwarded call and maxBytes
// caps how much of the response body is read.
func New(guard *ssrf.Guard, timeout time.Duration, maxBytes int64, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		guard:       guard,
		client:      &http.Client{Timeout: timeout},
		timeout:     timeout,
		maxBytes:    maxBytes,
		retryPolicy: retry.UpstreamDispatch,
		logger:      logger,
	}
}

// Dispatch forwards the merged request to the offer's endpoint and reads the
// response under the size cap. The forwarded body is the union of the
// client's input fields and the payment envelope; envelope fields win on
// key collision so callers cannot spoof reference or payer.
func (d *Dispatcher) Dispatch(ctx context.Context, rawURL, method string, body map[string]any, env Envelope) (*Result, error) {
	target, err := d.guard.Resolve(rawURL)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(body)+len(env.Inputs)+3)
	for k, v := range body {
		merged[k] = v
	}
	for k, v := range env.Inputs {
		merged[k] = v
	}
	merged["reference"] = env.Reference
	if env.Signature != "" {
		merged["signature"] = env.Signature
	}
	if env.Payer != "" {
		merged["payer"] = env.Payer
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream body: %w", err)
	}

	// The deadline spans all attempts: a transient connection failure gets
	// a second try, a slow upstream does not.
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	return retry.Do(ctx, d.retryPolicy, isDispatchRetryable, func() (*Result, error) {
		return d.dispatchOnce(ctx, target, method, payload)
	})
}

// isDispatchRetryable permits another attempt only for transport-level
// failures, where the request plausibly never reached the upstream. A
// timeout, an HTTP status or an oversized response is terminal.
func isDispatchRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var ue *Error
	return !errors.As(err, &ue)
}

func (d *Dispatcher) dispatchOnce(ctx context.Context, target, method string, payload []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/html, image/*")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := d.readCapped(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("upstream returned error status",
			"url", target, "status", resp.StatusCode, "duration_ms", elapsed.Milliseconds())
		return nil, &Error{StatusCode: resp.StatusCode, Message: statusMessage(resp.StatusCode)}
	}

	data := decodeBody(resp.Header.Get("Content-Type"), raw)

	return &Result{
		StatusCode: resp.StatusCode,
		Data:       data,
		Raw:        raw,
		Duration:   elapsed,
	}, nil
}

// readCapped reads at most maxBytes and fails if the body is any larger.
// Reading maxBytes+1 lets an exactly-cap-sized body through.
func (d *Dispatcher) readCapped(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if int64(len(raw)) > d.maxBytes {
		return nil, ErrResponseTooLarge
	}
	return raw, nil
}

func decodeBody(contentType string, raw []byte) any {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case strings.Contains(mediaType, "json"):
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
		return string(raw)
	case mediaType == "text/html":
		return map[string]any{"type": "website", "html": string(raw)}
	case strings.HasPrefix(mediaType, "image/"):
		return map[string]any{
			"type":        "image",
			"contentType": mediaType,
			"data":        base64.StdEncoding.EncodeToString(raw),
		}
	default:
		return string(raw)
	}
}

func statusMessage(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "The upstream endpoint was not found"
	case code == http.StatusMethodNotAllowed:
		return "The upstream endpoint rejected the HTTP method"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "The upstream endpoint rejected the request"
	case code == http.StatusTooManyRequests:
		return "The upstream endpoint is rate limiting requests"
	case code >= 500:
		return "The upstream endpoint failed to process the request"
	default:
		return fmt.Sprintf("The upstream endpoint returned an unexpected status (%d)", code)
	}
}

func isClientTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
