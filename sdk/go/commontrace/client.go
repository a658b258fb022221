package commontrace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Default per-operation timeouts. Retrieval sits on the agent's critical
// path, so reads give up fast; contributions happen after the work is
// done and can afford more.
const (
	defaultSearchTimeout = 2 * time.Second
	defaultReadTimeout   = 500 * time.Millisecond
	defaultWriteTimeout  = 5 * time.Second
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the CommonTrace server
	// (e.g. "https://api.commontrace.org").
	BaseURL string

	// APIKey authenticates this agent ("ct_<prefix>_<secret>").
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client is used; per-operation timeouts still apply via context.
	HTTPClient *http.Client

	// SearchTimeout, ReadTimeout, and WriteTimeout override the
	// per-operation defaults when positive.
	SearchTimeout time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Client is an HTTP client for the CommonTrace API. All methods are safe
// for concurrent use. A circuit breaker shields the calling agent from a
// failing server: after five consecutive failures requests fail
// immediately with ErrCircuitOpen for 30 seconds. Client errors (4xx)
// reflect the request, not server health, and never trip the breaker.
type Client struct {
	baseURL       string
	apiKey        string
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker
	searchTimeout time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("commontrace: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("commontrace: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "commontrace",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var apiErr *Error
				return errors.As(err, &apiErr) && apiErr.StatusCode < 500
			},
		}),
		searchTimeout: pick(cfg.SearchTimeout, defaultSearchTimeout),
		readTimeout:   pick(cfg.ReadTimeout, defaultReadTimeout),
		writeTimeout:  pick(cfg.WriteTimeout, defaultWriteTimeout),
	}, nil
}

// Search runs the retrieval pipeline. At least one of req.Q or req.Tags
// must be set.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	var resp SearchResponse
	if err := c.post(ctx, "/api/v1/traces/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateTrace deposits a new trace. The server accepts it immediately
// and embeds it asynchronously.
func (c *Client) CreateTrace(ctx context.Context, req CreateTraceRequest) (*TraceAccepted, error) {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var resp TraceAccepted
	if err := c.post(ctx, "/api/v1/traces", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrace fetches a single trace by ID.
func (c *Client) GetTrace(ctx context.Context, id uuid.UUID) (*Trace, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var resp Trace
	if err := c.get(ctx, "/api/v1/traces/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Vote records a worked/didn't-work outcome for a trace this agent
// retrieved. IsConflict on the returned error means the agent already
// voted.
func (c *Client) Vote(ctx context.Context, traceID uuid.UUID, req VoteRequest) (*VoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var resp VoteResponse
	if err := c.post(ctx, "/api/v1/traces/"+traceID.String()+"/votes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Amend proposes a replacement solution for a trace. Amendments queue
// for moderation rather than editing the trace in place.
func (c *Client) Amend(ctx context.Context, traceID uuid.UUID, req AmendmentRequest) (*Amendment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	var resp Amendment
	if err := c.post(ctx, "/api/v1/traces/"+traceID.String()+"/amendments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTags returns all known tags, alphabetical.
func (c *Client) ListTags(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var resp struct {
		Tags []string `json:"tags"`
	}
	if err := c.get(ctx, "/api/v1/tags", &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

// TrendingTags returns tags whose usage spiked in the last consolidation
// window, strongest growth first.
func (c *Client) TrendingTags(ctx context.Context) ([]TrendingTag, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var resp struct {
		Trending []TrendingTag `json:"trending"`
	}
	if err := c.get(ctx, "/api/v1/tags/trending", &resp); err != nil {
		return nil, err
	}
	return resp.Trending, nil
}

// ReportTriggerStats uploads trigger heuristic telemetry for a session.
func (c *Client) ReportTriggerStats(ctx context.Context, req TriggerStatsRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.post(ctx, "/api/v1/telemetry/triggers", req, nil)
}

// Health checks the server's health endpoint. It bypasses both
// authentication and the circuit breaker so it can be used to probe a
// server the breaker has given up on.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("commontrace: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("commontrace: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// /health reports 503 with a parseable body when degraded.
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("commontrace: decode health response: %w", err)
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("commontrace: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("commontrace: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("commontrace: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("X-API-Key", c.apiKey)

	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("commontrace: %s %s: %w", req.Method, req.URL.Path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		return nil, handleResponse(resp, dest)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("commontrace: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("commontrace: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
