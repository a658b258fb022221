package commontrace

import (
	"time"

	"github.com/google/uuid"
)

// SearchRequest is the body of POST /api/v1/traces/search. At least one
// of Q or Tags must be set.
type SearchRequest struct {
	Q              *string           `json:"q,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	IncludeExpired bool              `json:"include_expired,omitempty"`
}

// RelatedTrace is a graph neighbor attached to a search result.
type RelatedTrace struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	RelationshipType string    `json:"relationship_type"`
	Strength         float64   `json:"strength"`
}

// SearchResult is one ranked trace from a search.
type SearchResult struct {
	ID                 uuid.UUID         `json:"id"`
	Title              string            `json:"title"`
	ContextText        string            `json:"context_text"`
	SolutionText       string            `json:"solution_text"`
	TrustScore         float64           `json:"trust_score"`
	Status             string            `json:"status"`
	Tags               []string          `json:"tags"`
	SimilarityScore    float64           `json:"similarity_score"`
	CombinedScore      float64           `json:"combined_score"`
	ContributorID      uuid.UUID         `json:"contributor_id"`
	CreatedAt          time.Time         `json:"created_at"`
	RetrievalCount     int               `json:"retrieval_count"`
	DepthScore         int               `json:"depth_score"`
	ContextFingerprint map[string]string `json:"context_fingerprint,omitempty"`
	ConvergenceLevel   *int              `json:"convergence_level,omitempty"`
	MemoryTemperature  *string           `json:"memory_temperature,omitempty"`
	RelatedTraces      []RelatedTrace    `json:"related_traces"`
}

// SearchResponse is the body returned by POST /api/v1/traces/search.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Query   *string        `json:"query,omitempty"`
}

// CreateTraceRequest is the body of POST /api/v1/traces.
type CreateTraceRequest struct {
	Title             string         `json:"title"`
	ContextText       string         `json:"context_text"`
	SolutionText      string         `json:"solution_text"`
	Tags              []string       `json:"tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ImpactLevel       *string        `json:"impact_level,omitempty"`
	SupersedesTraceID *uuid.UUID     `json:"supersedes_trace_id,omitempty"`
	ReviewAfter       *time.Time     `json:"review_after,omitempty"`
	WatchCondition    *string        `json:"watch_condition,omitempty"`
	ValidFrom         *time.Time     `json:"valid_from,omitempty"`
	ValidUntil        *time.Time     `json:"valid_until,omitempty"`
}

// TraceAccepted is the 202 response to a trace submission. The trace
// starts pending; embedding and validation happen asynchronously.
type TraceAccepted struct {
	ID      uuid.UUID `json:"id"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// Trace is the full trace record returned by GET /api/v1/traces/{id}.
type Trace struct {
	ID                 uuid.UUID         `json:"id"`
	Title              string            `json:"title"`
	ContextText        string            `json:"context_text"`
	SolutionText       string            `json:"solution_text"`
	ContributorID      uuid.UUID         `json:"contributor_id"`
	Status             string            `json:"status"`
	TrustScore         float64           `json:"trust_score"`
	ConfirmationCount  int               `json:"confirmation_count"`
	RetrievalCount     int               `json:"retrieval_count"`
	LastRetrievedAt    *time.Time        `json:"last_retrieved_at,omitempty"`
	HalfLifeDays       *int              `json:"half_life_days,omitempty"`
	DepthScore         int               `json:"depth_score"`
	SomaticIntensity   float64           `json:"somatic_intensity"`
	ImpactLevel        string            `json:"impact_level"`
	MemoryTemperature  *string           `json:"memory_temperature,omitempty"`
	TraceType          string            `json:"trace_type"`
	ReviewAfter        *time.Time        `json:"review_after,omitempty"`
	WatchCondition     *string           `json:"watch_condition,omitempty"`
	ContextFingerprint map[string]string `json:"context_fingerprint,omitempty"`
	ConvergenceLevel   *int              `json:"convergence_level,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	IsStale            bool              `json:"is_stale"`
	IsFlagged          bool              `json:"is_flagged"`
	ValidFrom          *time.Time        `json:"valid_from,omitempty"`
	ValidUntil         *time.Time        `json:"valid_until,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Tags               []string          `json:"tags"`
}

// VoteRequest is the body of POST /api/v1/traces/{id}/votes.
type VoteRequest struct {
	VoteType     string  `json:"vote_type"`
	FeedbackTag  *string `json:"feedback_tag,omitempty"`
	FeedbackText *string `json:"feedback_text,omitempty"`
}

// VoteResponse reports the trace's trust state after a vote.
type VoteResponse struct {
	TraceID           uuid.UUID `json:"trace_id"`
	Status            string    `json:"status"`
	TrustScore        float64   `json:"trust_score"`
	ConfirmationCount int       `json:"confirmation_count"`
}

// AmendmentRequest is the body of POST /api/v1/traces/{id}/amendments.
type AmendmentRequest struct {
	SolutionText string  `json:"solution_text"`
	Reason       *string `json:"reason,omitempty"`
}

// Amendment is a proposed solution revision queued for moderation.
type Amendment struct {
	ID           uuid.UUID `json:"id"`
	TraceID      uuid.UUID `json:"trace_id"`
	UserID       uuid.UUID `json:"user_id"`
	SolutionText string    `json:"solution_text"`
	Reason       *string   `json:"reason,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// TrendingTag is one entry of GET /api/v1/tags/trending.
type TrendingTag struct {
	Tag        string    `json:"tag"`
	GrowthRate float64   `json:"growth_rate"`
	TraceCount int       `json:"trace_count"`
	PriorCount int       `json:"prior_count"`
	PeriodEnd  time.Time `json:"period_end"`
}

// TriggerStatsRequest reports which retrieval trigger heuristics fired
// during a session.
type TriggerStatsRequest struct {
	SessionID    string         `json:"session_id"`
	TriggerStats map[string]any `json:"trigger_stats"`
}

// Health is the body of GET /health.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	Redis         string `json:"redis,omitempty"`
	EmbedWorker   string `json:"embedding_worker"`
	Consolidation string `json:"consolidation_worker"`
	Uptime        int64  `json:"uptime_seconds"`
}
