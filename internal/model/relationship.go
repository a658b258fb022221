package model

import (
	"time"

	"github.com/google/uuid"
)

// RelationshipType enumerates the typed edges of the trace graph.
type RelationshipType string

const (
	RelCoRetrieved   RelationshipType = "CO_RETRIEVED"
	RelSupersedes    RelationshipType = "SUPERSEDES"
	RelComplements   RelationshipType = "COMPLEMENTS"
	RelPatternSource RelationshipType = "PATTERN_SOURCE"
	RelAlternativeTo RelationshipType = "ALTERNATIVE_TO"
	RelContradicts   RelationshipType = "CONTRADICTS"
)

// TraceRelationship is a directed edge in the trace graph. CO_RETRIEVED
// and ALTERNATIVE_TO are stored symmetrically (one row per direction);
// SUPERSEDES and PATTERN_SOURCE are directional. Uniqueness on
// (source, target, type) is enforced by the database.
type TraceRelationship struct {
	ID               uuid.UUID        `json:"id"`
	SourceTraceID    uuid.UUID        `json:"source_trace_id"`
	TargetTraceID    uuid.UUID        `json:"target_trace_id"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Strength         float64          `json:"strength"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// RelatedTrace is the compact edge view attached to search results.
type RelatedTrace struct {
	ID               uuid.UUID        `json:"id"`
	Title            string           `json:"title"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Strength         float64          `json:"strength"`
}
