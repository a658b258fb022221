package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for trace submissions. These prevent a single
// oversized field from exhausting the embedding pipeline or filling
// Postgres TEXT columns with caller-controlled garbage.
const (
	MaxTitleLen          = 500
	MaxQueryLen          = 2000
	MaxSearchTags        = 10
	MaxSubmitTags        = 20
	MaxWatchConditionLen = 500
	MaxSearchLimit       = 50
	DefaultSearchLimit   = 10
)

// Error codes used in the API error envelope.
const (
	ErrCodeInvalidArgument    = "invalid_argument"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeTimeout            = "timeout"
	ErrCodeInternal           = "internal"
)

// APIResponse is the standard response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
// Messages are plain strings, never stack traces.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NormalizeTag lowercases and trims a tag name so "React " and "react"
// resolve to the same row. Applied on both the submit and search paths.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeTags normalizes a tag list, dropping entries that are empty
// after trimming and collapsing duplicates while preserving order.
func NormalizeTags(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		t := NormalizeTag(n)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TraceSearchRequest is the body of POST /api/v1/traces/search.
type TraceSearchRequest struct {
	Q              *string     `json:"q,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	Context        Fingerprint `json:"context,omitempty"`
	IncludeExpired bool        `json:"include_expired,omitempty"`
}

// Validate normalizes defaults and checks bounds. An empty request (no
// query and no tags) is rejected.
func (r *TraceSearchRequest) Validate() error {
	if r.Q != nil && strings.TrimSpace(*r.Q) == "" {
		r.Q = nil
	}
	if r.Q == nil && len(r.Tags) == 0 {
		return fmt.Errorf("at least one of 'q' or 'tags' must be provided")
	}
	if r.Q != nil && len(*r.Q) > MaxQueryLen {
		return fmt.Errorf("q exceeds maximum length of %d characters", MaxQueryLen)
	}
	if len(r.Tags) > MaxSearchTags {
		return fmt.Errorf("at most %d tags may be provided", MaxSearchTags)
	}
	if r.Limit == 0 {
		r.Limit = DefaultSearchLimit
	}
	if r.Limit < 1 || r.Limit > MaxSearchLimit {
		return fmt.Errorf("limit must be between 1 and %d", MaxSearchLimit)
	}
	return nil
}

// TraceSearchResult is one ranked entry in a search response.
type TraceSearchResult struct {
	ID                 uuid.UUID      `json:"id"`
	Title              string         `json:"title"`
	ContextText        string         `json:"context_text"`
	SolutionText       string         `json:"solution_text"`
	TrustScore         float64        `json:"trust_score"`
	Status             TraceStatus    `json:"status"`
	Tags               []string       `json:"tags"`
	SimilarityScore    float64        `json:"similarity_score"`
	CombinedScore      float64        `json:"combined_score"`
	ContributorID      uuid.UUID      `json:"contributor_id"`
	CreatedAt          time.Time      `json:"created_at"`
	RetrievalCount     int            `json:"retrieval_count"`
	DepthScore         int            `json:"depth_score"`
	ContextFingerprint Fingerprint    `json:"context_fingerprint,omitempty"`
	ConvergenceLevel   *int           `json:"convergence_level,omitempty"`
	MemoryTemperature  *Temperature   `json:"memory_temperature,omitempty"`
	RelatedTraces      []RelatedTrace `json:"related_traces"`
}

// TraceSearchResponse is the body returned by POST /api/v1/traces/search.
type TraceSearchResponse struct {
	Results []TraceSearchResult `json:"results"`
	Total   int                 `json:"total"`
	Query   *string             `json:"query,omitempty"`
}

// TraceCreateRequest is the body of POST /api/v1/traces.
type TraceCreateRequest struct {
	Title             string         `json:"title"`
	ContextText       string         `json:"context_text"`
	SolutionText      string         `json:"solution_text"`
	Tags              []string       `json:"tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ImpactLevel       *ImpactLevel   `json:"impact_level,omitempty"`
	SupersedesTraceID *uuid.UUID     `json:"supersedes_trace_id,omitempty"`
	ReviewAfter       *time.Time     `json:"review_after,omitempty"`
	WatchCondition    *string        `json:"watch_condition,omitempty"`
	ValidFrom         *time.Time     `json:"valid_from,omitempty"`
	ValidUntil        *time.Time     `json:"valid_until,omitempty"`
}

// Validate checks required fields and per-field limits.
func (r *TraceCreateRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if strings.TrimSpace(r.ContextText) == "" {
		return fmt.Errorf("context_text is required")
	}
	if strings.TrimSpace(r.SolutionText) == "" {
		return fmt.Errorf("solution_text is required")
	}
	if len(r.Tags) > MaxSubmitTags {
		return fmt.Errorf("at most %d tags may be provided", MaxSubmitTags)
	}
	if r.WatchCondition != nil && len(*r.WatchCondition) > MaxWatchConditionLen {
		return fmt.Errorf("watch_condition exceeds maximum length of %d characters", MaxWatchConditionLen)
	}
	if r.ImpactLevel != nil {
		switch *r.ImpactLevel {
		case ImpactCritical, ImpactHigh, ImpactNormal, ImpactLow:
		default:
			return fmt.Errorf("impact_level must be one of critical, high, normal, low")
		}
	}
	return nil
}

// TraceAccepted is the 202 body of POST /api/v1/traces. The embedding is
// filled asynchronously, so the trace is accepted rather than completed.
type TraceAccepted struct {
	ID      uuid.UUID   `json:"id"`
	Status  TraceStatus `json:"status"`
	Message string      `json:"message"`
}

// VoteRequest is the body of POST /api/v1/traces/{id}/votes.
type VoteRequest struct {
	VoteType     VoteType `json:"vote_type"`
	FeedbackTag  *string  `json:"feedback_tag,omitempty"`
	FeedbackText *string  `json:"feedback_text,omitempty"`
}

// Validate checks the vote direction.
func (r *VoteRequest) Validate() error {
	switch r.VoteType {
	case VoteUp, VoteDown:
		return nil
	default:
		return fmt.Errorf("vote_type must be 'up' or 'down'")
	}
}

// VoteResponse reports the trace's trust state after the vote.
type VoteResponse struct {
	TraceID           uuid.UUID   `json:"trace_id"`
	Status            TraceStatus `json:"status"`
	TrustScore        float64     `json:"trust_score"`
	ConfirmationCount int         `json:"confirmation_count"`
}

// AmendmentRequest is the body of POST /api/v1/traces/{id}/amendments.
type AmendmentRequest struct {
	SolutionText string  `json:"solution_text"`
	Reason       *string `json:"reason,omitempty"`
}

// Validate checks required amendment fields.
func (r *AmendmentRequest) Validate() error {
	if strings.TrimSpace(r.SolutionText) == "" {
		return fmt.Errorf("solution_text is required")
	}
	return nil
}

// TrendingTag is one entry of GET /api/v1/tags/trending.
type TrendingTag struct {
	Tag        string    `json:"tag"`
	GrowthRate float64   `json:"growth_rate"`
	TraceCount int       `json:"trace_count"`
	PriorCount int       `json:"prior_count"`
	PeriodEnd  time.Time `json:"period_end"`
}

// TriggerStatsRequest is the body of POST /api/v1/telemetry/triggers.
type TriggerStatsRequest struct {
	SessionID    string         `json:"session_id"`
	TriggerStats map[string]any `json:"trigger_stats"`
}

// Validate checks the session identifier.
func (r *TriggerStatsRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	Redis         string `json:"redis,omitempty"`
	EmbedWorker   string `json:"embedding_worker"`
	Consolidation string `json:"consolidation_worker"`
	Uptime        int64  `json:"uptime_seconds"`
}
