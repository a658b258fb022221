// Package model defines the domain entities and API types for CommonTrace.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SystemUserID is the reserved contributor for auto-generated content
// (pattern traces synthesized by the consolidation worker).
var SystemUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// TraceStatus is the trust state of a trace.
type TraceStatus string

const (
	StatusPending   TraceStatus = "pending"
	StatusValidated TraceStatus = "validated"
)

// TraceType distinguishes user-submitted traces from synthesized patterns.
type TraceType string

const (
	TypeEpisodic TraceType = "episodic"
	TypePattern  TraceType = "pattern"
)

// ImpactLevel is a categorical importance marker acting as a decay floor.
type ImpactLevel string

const (
	ImpactCritical ImpactLevel = "critical"
	ImpactHigh     ImpactLevel = "high"
	ImpactNormal   ImpactLevel = "normal"
	ImpactLow      ImpactLevel = "low"
)

// impactRank orders impact levels for aggregation (higher wins).
var impactRank = map[ImpactLevel]int{
	ImpactCritical: 4,
	ImpactHigh:     3,
	ImpactNormal:   2,
	ImpactLow:      1,
}

// MaxImpact returns the higher of two impact levels. Unknown values rank
// as normal.
func MaxImpact(a, b ImpactLevel) ImpactLevel {
	ra, ok := impactRank[a]
	if !ok {
		ra = impactRank[ImpactNormal]
		a = ImpactNormal
	}
	rb, ok := impactRank[b]
	if !ok {
		rb = impactRank[ImpactNormal]
		b = ImpactNormal
	}
	if rb > ra {
		return b
	}
	return a
}

// Temperature is the graduated freshness classification of a trace.
type Temperature string

const (
	TempHot    Temperature = "HOT"
	TempWarm   Temperature = "WARM"
	TempCool   Temperature = "COOL"
	TempCold   Temperature = "COLD"
	TempFrozen Temperature = "FROZEN"
)

// Trace is the unit of knowledge: a context/solution pair contributed by
// one agent, with trust state, retrieval tracking, and classification
// fields maintained by the background workers.
type Trace struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	ContextText  string    `json:"context_text"`
	SolutionText string    `json:"solution_text"`

	ContributorID uuid.UUID `json:"contributor_id"`

	// Embeddings are null until the embedding worker fills them.
	Embedding             *pgvector.Vector `json:"-"`
	SolutionEmbedding     *pgvector.Vector `json:"-"`
	ContextEmbedding      *pgvector.Vector `json:"-"`
	EmbeddingModelID      *string          `json:"embedding_model_id,omitempty"`
	EmbeddingModelVersion *string          `json:"embedding_model_version,omitempty"`

	// Trust state machine. Every trace starts pending.
	Status            TraceStatus `json:"status"`
	TrustScore        float64     `json:"trust_score"`
	ConfirmationCount int         `json:"confirmation_count"`

	// Retrieval tracking (the testing effect: each retrieval strengthens).
	RetrievalCount  int        `json:"retrieval_count"`
	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
	HalfLifeDays    *int       `json:"half_life_days,omitempty"`

	// Classification.
	DepthScore        int          `json:"depth_score"`
	SomaticIntensity  float64      `json:"somatic_intensity"`
	ImpactLevel       ImpactLevel  `json:"impact_level"`
	MemoryTemperature *Temperature `json:"memory_temperature,omitempty"`
	TraceType         TraceType    `json:"trace_type"`

	// Prospective memory: revisit the trace when ReviewAfter passes.
	ReviewAfter    *time.Time `json:"review_after,omitempty"`
	WatchCondition *string    `json:"watch_condition,omitempty"`

	// Context fingerprint and convergence.
	ContextFingerprint   Fingerprint `json:"context_fingerprint,omitempty"`
	ConvergenceClusterID *uuid.UUID  `json:"convergence_cluster_id,omitempty"`
	ConvergenceLevel     *int        `json:"convergence_level,omitempty"`

	// Open-ended contributor metadata (language, framework, error context...).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Moderation and staleness. Forgetting is expressed through these and
	// temperature; traces are never deleted by the engine.
	IsStale   bool       `json:"is_stale"`
	IsFlagged bool       `json:"is_flagged"`
	FlaggedAt *time.Time `json:"flagged_at,omitempty"`

	// Bi-temporal validity window.
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Joined data (populated by queries, not stored on the traces table).
	Tags []string `json:"tags"`
}

// Vote records one user's judgement of a trace. Immutable; uniqueness on
// (user_id, trace_id) is enforced by the database.
type Vote struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	TraceID      uuid.UUID `json:"trace_id"`
	VoteType     VoteType  `json:"vote_type"`
	Weight       float64   `json:"weight"`
	FeedbackTag  *string   `json:"feedback_tag,omitempty"`
	FeedbackText *string   `json:"feedback_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// VoteType is the direction of a vote.
type VoteType string

const (
	VoteUp   VoteType = "up"
	VoteDown VoteType = "down"
)

// Amendment is a proposed revision of a trace's solution, queued for
// moderation rather than applied in place.
type Amendment struct {
	ID           uuid.UUID `json:"id"`
	TraceID      uuid.UUID `json:"trace_id"`
	UserID       uuid.UUID `json:"user_id"`
	SolutionText string    `json:"solution_text"`
	Reason       *string   `json:"reason,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is a contributor identity. The engine reads reputation only to
// derive vote weight; everything else is opaque to the core.
type User struct {
	ID         uuid.UUID `json:"id"`
	AgentName  string    `json:"agent_name"`
	KeyPrefix  string    `json:"-"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
