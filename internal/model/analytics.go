package model

import (
	"time"

	"github.com/google/uuid"
)

// RetrievalLog records one trace appearing in one search session's results.
// Rows are pruned after 30 days; the consolidation worker mines them for
// co-retrieval edges and RIF shadows before they age out.
type RetrievalLog struct {
	ID              uuid.UUID `json:"id"`
	TraceID         uuid.UUID `json:"trace_id"`
	SearchSessionID string    `json:"search_session_id"`
	ResultPosition  *int      `json:"result_position,omitempty"`
	RetrievedAt     time.Time `json:"retrieved_at"`
}

// RifShadow records retrieval-induced forgetting: a trace that
// consistently loses the top position to the same competitor.
type RifShadow struct {
	ID            uuid.UUID `json:"id"`
	LoserTraceID  uuid.UUID `json:"loser_trace_id"`
	WinnerTraceID uuid.UUID `json:"winner_trace_id"`
	LossCount     int       `json:"loss_count"`
	LastObserved  time.Time `json:"last_observed"`
	CreatedAt     time.Time `json:"created_at"`
}

// TagTrend holds one tag's rolling 7-day growth window.
type TagTrend struct {
	ID               uuid.UUID `json:"id"`
	TagName          string    `json:"tag_name"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	TraceCountPeriod int       `json:"trace_count"`
	TraceCountPrior  int       `json:"prior_count"`
	GrowthRate       float64   `json:"growth_rate"`
	IsTrending       bool      `json:"is_trending"`
}

// ConsolidationStatus is the terminal state of a sleep cycle.
type ConsolidationStatus string

const (
	RunRunning   ConsolidationStatus = "running"
	RunCompleted ConsolidationStatus = "completed"
	RunPartial   ConsolidationStatus = "partial"
	RunFailed    ConsolidationStatus = "failed"
)

// ConsolidationRun is the audit record of one sleep cycle.
type ConsolidationRun struct {
	ID          uuid.UUID           `json:"id"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Status      ConsolidationStatus `json:"status"`
	Stats       map[string]any      `json:"stats,omitempty"`
}

// TriggerStats is an opaque per-session analytics payload from skill
// clients. The engine stores it verbatim.
type TriggerStats struct {
	ID        uuid.UUID      `json:"id"`
	SessionID string         `json:"session_id"`
	Stats     map[string]any `json:"trigger_stats"`
	CreatedAt time.Time      `json:"created_at"`
}
