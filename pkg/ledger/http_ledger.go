package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentsystems/agentsystems-notary/pkg/tenants"
	"github.com/agentsystems/agentsystems-notary/pkg/util/resiliency"
)

// DefaultAPIURL is the production notary ledger endpoint.
const DefaultAPIURL = "https://notary-api.agentsystems.ai/v1/notary"

// HTTPLedger talks to the hosted notary ledger service. Each call is a single
// attempt; the dual-write coordinator owns the retry loop, so this client only
// classifies failures and protects the endpoint with a circuit breaker and a
// client-side rate limit.
type HTTPLedger struct {
	client  *http.Client
	url     string
	apiKey  string
	limiter *rate.Limiter
	breaker *resiliency.CircuitBreaker
}

// HTTPLedgerOption customizes an HTTPLedger.
type HTTPLedgerOption func(*HTTPLedger)

// WithHTTPClient overrides the underlying HTTP client (used in tests).
func WithHTTPClient(c *http.Client) HTTPLedgerOption {
	return func(l *HTTPLedger) { l.client = c }
}

// WithRateLimit bounds append throughput to rps requests per second.
func WithRateLimit(rps float64, burst int) HTTPLedgerOption {
	return func(l *HTTPLedger) { l.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewHTTPLedger creates a client for the ledger service at url, authenticating
// with the credential's API key.
func NewHTTPLedger(url string, cred tenants.Credential, opts ...HTTPLedgerOption) *HTTPLedger {
	if url == "" {
		url = DefaultAPIURL
	}
	l := &HTTPLedger{
		client:  &http.Client{Timeout: 30 * time.Second},
		url:     url,
		apiKey:  cred.APIKey,
		limiter: rate.NewLimiter(rate.Inf, 1),
		breaker: resiliency.NewCircuitBreaker("ledger", 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type appendRequest struct {
	TenantID       string    `json:"tenant_id"`
	SessionID      string    `json:"session_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	Hash           string    `json:"hash"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type appendResponse struct {
	Status  string `json:"status"`
	Receipt string `json:"receipt"`
	Error   string `json:"error"`
}

func (l *HTTPLedger) Append(ctx context.Context, r Receipt) (AppendStatus, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ledger rate limiter: %w", err)
	}
	if !l.breaker.Allow() {
		return "", Transient(fmt.Errorf("circuit breaker open for %s", l.breaker.Name()))
	}

	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	body, err := json.Marshal(appendRequest{
		TenantID:       r.TenantID,
		SessionID:      r.SessionID,
		SequenceNumber: r.SequenceNumber,
		Hash:           r.ContentHash,
		RecordedAt:     r.RecordedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		l.breaker.Failure()
		return "", Transient(fmt.Errorf("ledger request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return l.decodeAppend(resp)
}

func (l *HTTPLedger) decodeAppend(resp *http.Response) (AppendStatus, error) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		l.breaker.Success()
		var parsed appendResponse
		if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Status == "duplicate_same_hash" {
			return StatusDuplicateSameHash, nil
		}
		return StatusAccepted, nil

	case resp.StatusCode == http.StatusConflict:
		l.breaker.Success() // the service answered; the data is the problem
		return "", fmt.Errorf("%w: %s", ErrConflict, string(raw))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		l.breaker.Success()
		return "", fmt.Errorf("%w: %s", ErrUnauthorizedTenant, string(raw))

	case resp.StatusCode >= 500:
		l.breaker.Failure()
		return "", Transient(fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(raw)))

	default:
		l.breaker.Success()
		return "", fmt.Errorf("ledger returned %d: %s", resp.StatusCode, string(raw))
	}
}

func (l *HTTPLedger) Get(ctx context.Context, tenantID, sessionID string, seq uint64) (Receipt, error) {
	var r Receipt
	url := fmt.Sprintf("%s/%s/%s/%d", l.url, tenantID, sessionID, seq)
	if err := l.getJSON(ctx, url, &r); err != nil {
		return Receipt{}, err
	}
	return r, nil
}

func (l *HTTPLedger) ListSession(ctx context.Context, tenantID, sessionID string) ([]Receipt, error) {
	var rs []Receipt
	url := fmt.Sprintf("%s/%s/%s", l.url, tenantID, sessionID)
	if err := l.getJSON(ctx, url, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (l *HTTPLedger) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("ledger request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorizedTenant
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("ledger returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("ledger returned %d", resp.StatusCode)
	}
}
