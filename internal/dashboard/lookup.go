package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultLookupURL = "https://claudible.io/dashboard/lookup"
	userAgent        = "claudible-monitor/0.1"
	maxLookupBody    = 4_000_000
)

// SnapshotFetcher is the one-shot request/response side of the dashboard.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, credential string) (*Snapshot, error)
}

// LookupClient fetches a full Snapshot from the lookup endpoint. It never
// retries; the caller owns retry policy.
type LookupClient struct {
	httpClient *http.Client
	endpoint   string
}

func NewLookupClient(endpoint string, timeout time.Duration) *LookupClient {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultLookupURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LookupClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

func (c *LookupClient) Endpoint() string {
	return c.endpoint
}

func (c *LookupClient) Fetch(ctx context.Context, credential string) (*Snapshot, error) {
	payload, err := json.Marshal(lookupRequestRaw{Key: credential})
	if err != nil {
		return nil, fmt.Errorf("encode lookup request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxLookupBody))
	if err != nil {
		return nil, fmt.Errorf("read lookup response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &ServerError{StatusCode: res.StatusCode, Body: summarizeBody(body)}
	}
	if len(body) == 0 {
		return nil, &EmptyBodyError{StatusCode: res.StatusCode}
	}
	return decodeSnapshot(body)
}

func decodeSnapshot(body []byte) (*Snapshot, error) {
	var raw snapshotRaw
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &DecodingError{Details: "lookup response", Err: err}
	}
	snapshot, err := normalizeSnapshot(raw)
	if err != nil {
		return nil, &DecodingError{Details: "lookup response", Err: err}
	}
	return snapshot, nil
}

func summarizeBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 180 {
		return s[:180] + "..."
	}
	return s
}
