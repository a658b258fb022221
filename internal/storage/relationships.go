package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commontrace/commontrace/internal/model"
)

// upsertRelationshipTx inserts a directed edge inside an existing
// transaction. A foreign key violation on either endpoint maps to
// ErrNotFound so callers can report the missing trace.
func upsertRelationshipTx(ctx context.Context, tx pgx.Tx, source, target uuid.UUID, relType model.RelationshipType, strength float64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO trace_relationships (id, source_trace_id, target_trace_id, relationship_type, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (source_trace_id, target_trace_id, relationship_type)
		 DO UPDATE SET strength = trace_relationships.strength + EXCLUDED.strength, updated_at = now()`,
		uuid.New(), source, target, relType, strength,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("storage: upsert relationship: %w", err)
	}
	return nil
}

// UpsertRelationship inserts a directed edge, accumulating strength when
// the edge already exists.
func (db *DB) UpsertRelationship(ctx context.Context, source, target uuid.UUID, relType model.RelationshipType, strength float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trace_relationships (id, source_trace_id, target_trace_id, relationship_type, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (source_trace_id, target_trace_id, relationship_type)
		 DO UPDATE SET strength = trace_relationships.strength + EXCLUDED.strength, updated_at = now()`,
		uuid.New(), source, target, relType, strength,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert relationship: %w", err)
	}
	return nil
}

// SetRelationship inserts a directed edge with a fixed strength, leaving an
// existing edge's strength untouched. Used for edges whose strength is a
// property rather than a counter (ALTERNATIVE_TO, CONTRADICTS).
func (db *DB) SetRelationship(ctx context.Context, source, target uuid.UUID, relType model.RelationshipType, strength float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trace_relationships (id, source_trace_id, target_trace_id, relationship_type, strength, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (source_trace_id, target_trace_id, relationship_type) DO NOTHING`,
		uuid.New(), source, target, relType, strength,
	)
	if err != nil {
		return fmt.Errorf("storage: set relationship: %w", err)
	}
	return nil
}

// ActivationEdges returns outgoing CO_RETRIEVED and SUPERSEDES edges from
// the given source traces, strongest first, capped at limit. Feeds the
// spreading-activation stage of the search pipeline.
func (db *DB) ActivationEdges(ctx context.Context, sources []uuid.UUID, limit int) ([]model.TraceRelationship, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT r.id, r.source_trace_id, r.target_trace_id, r.relationship_type, r.strength, r.created_at, r.updated_at
		 FROM trace_relationships r
		 JOIN traces t ON t.id = r.target_trace_id AND NOT t.is_flagged
		 WHERE r.source_trace_id = ANY($1)
		   AND r.relationship_type IN ($2, $3)
		 ORDER BY r.strength DESC, r.id ASC
		 LIMIT $4`,
		sources, model.RelCoRetrieved, model.RelSupersedes, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: activation edges: %w", err)
	}
	return scanRelationships(rows)
}

// RelatedForTraces returns the strongest outgoing edges per source trace,
// up to perTrace each, joined with the target's title for display.
func (db *DB) RelatedForTraces(ctx context.Context, sources []uuid.UUID, perTrace int) (map[uuid.UUID][]model.RelatedTrace, error) {
	if len(sources) == 0 {
		return map[uuid.UUID][]model.RelatedTrace{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT source_trace_id, target_trace_id, title, relationship_type, strength
		 FROM (
			SELECT r.source_trace_id, r.target_trace_id, t.title, r.relationship_type, r.strength,
			       row_number() OVER (PARTITION BY r.source_trace_id ORDER BY r.strength DESC, r.id ASC) AS rn
			FROM trace_relationships r
			JOIN traces t ON t.id = r.target_trace_id
			WHERE r.source_trace_id = ANY($1)
		 ) ranked
		 WHERE rn <= $2`,
		sources, perTrace,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: related for traces: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.RelatedTrace)
	for rows.Next() {
		var (
			source uuid.UUID
			rt     model.RelatedTrace
		)
		if err := rows.Scan(&source, &rt.ID, &rt.Title, &rt.RelationshipType, &rt.Strength); err != nil {
			return nil, fmt.Errorf("storage: scan related trace: %w", err)
		}
		out[source] = append(out[source], rt)
	}
	return out, rows.Err()
}

func scanRelationships(rows pgx.Rows) ([]model.TraceRelationship, error) {
	defer rows.Close()
	var out []model.TraceRelationship
	for rows.Next() {
		var r model.TraceRelationship
		if err := rows.Scan(&r.ID, &r.SourceTraceID, &r.TargetTraceID, &r.RelationshipType, &r.Strength, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
