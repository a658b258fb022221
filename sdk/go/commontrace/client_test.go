package commontrace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "ct_testpref_0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, srv
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func TestNewClientRequiresConfig(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost"}); err == nil {
		t.Error("expected error for missing APIKey")
	}
}

func TestSearchSendsKeyAndUnwrapsEnvelope(t *testing.T) {
	var gotKey string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.URL.Path != "/api/v1/traces/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, SearchResponse{
			Results: []SearchResult{{ID: uuid.New(), Title: "pool exhaustion fix"}},
			Total:   1,
		})
	}))

	q := "connection pool"
	resp, err := client.Search(context.Background(), SearchRequest{Q: &q})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotKey != "ct_testpref_0123456789abcdef" {
		t.Errorf("X-API-Key = %q", gotKey)
	}
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Results[0].Title != "pool exhaustion fix" {
		t.Errorf("title = %q", resp.Results[0].Title)
	}
}

func TestNotFoundMapsToTypedError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorEnvelope(w, http.StatusNotFound, "not_found", "trace not found")
	}))

	_, err := client.GetTrace(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Code != "not_found" || apiErr.Message != "trace not found" {
		t.Errorf("unexpected error fields: %+v", apiErr)
	}
}

func TestVoteConflict(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorEnvelope(w, http.StatusConflict, "conflict", "agent has already voted on this trace")
	}))

	_, err := client.Vote(context.Background(), uuid.New(), VoteRequest{VoteType: "up"})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid_argument", "q or tags required")
	}))

	// Well past the trip threshold; every call should still reach the
	// server and come back as a 400, never ErrCircuitOpen.
	for i := 0; i < 10; i++ {
		_, err := client.Search(context.Background(), SearchRequest{})
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("request %d: breaker tripped on 4xx", i+1)
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}
}

func TestServerErrorsTripBreaker(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal", "boom")
	}))

	q := "anything"
	for i := 0; i < 5; i++ {
		_, err := client.Search(context.Background(), SearchRequest{Q: &q})
		if err == nil {
			t.Fatalf("request %d: expected error", i+1)
		}
	}

	// Breaker is now open: the next call fails fast without a request.
	_, err := client.Search(context.Background(), SearchRequest{Q: &q})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 5 {
		t.Errorf("server saw %d calls, want 5", calls)
	}
}

func TestHealthBypassesBreaker(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(Health{Status: "unhealthy", Postgres: "disconnected"})
			return
		}
		writeErrorEnvelope(w, http.StatusInternalServerError, "internal", "boom")
	}))

	// Trip the breaker.
	q := "x"
	for i := 0; i < 5; i++ {
		_, _ = client.Search(context.Background(), SearchRequest{Q: &q})
	}

	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "unhealthy" || h.Postgres != "disconnected" {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestListTags(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]any{"tags": []string{"go", "postgres"}})
	}))

	tags, err := client.ListTags(context.Background())
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "go" {
		t.Errorf("tags = %v", tags)
	}
}

func TestTransportErrorSurfaces(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", APIKey: "ct_x_y"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	q := "x"
	_, err = client.Search(context.Background(), SearchRequest{Q: &q})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Fatal("first failure should not report an open circuit")
	}
}
