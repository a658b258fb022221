package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/commontrace/commontrace/internal/model"
)

// traceColumns is the canonical column list for scanTrace. The tags array
// is aggregated in a correlated subquery so every trace read carries its
// tag names without an N+1.
const traceColumns = `
	t.id, t.title, t.context_text, t.solution_text, t.contributor_id,
	t.embedding, t.solution_embedding, t.context_embedding,
	t.embedding_model_id, t.embedding_model_version,
	t.status, t.trust_score, t.confirmation_count,
	t.retrieval_count, t.last_retrieved_at, t.half_life_days,
	t.depth_score, t.somatic_intensity, t.impact_level, t.memory_temperature, t.trace_type,
	t.review_after, t.watch_condition,
	t.context_fingerprint, t.convergence_cluster_id, t.convergence_level,
	t.metadata, t.is_stale, t.is_flagged, t.flagged_at,
	t.valid_from, t.valid_until, t.created_at, t.updated_at,
	COALESCE((SELECT array_agg(g.name ORDER BY g.name)
	          FROM trace_tags tt JOIN tags g ON g.id = tt.tag_id
	          WHERE tt.trace_id = t.id), '{}')`

func scanTrace(row pgx.Row) (model.Trace, error) {
	var t model.Trace
	err := row.Scan(
		&t.ID, &t.Title, &t.ContextText, &t.SolutionText, &t.ContributorID,
		&t.Embedding, &t.SolutionEmbedding, &t.ContextEmbedding,
		&t.EmbeddingModelID, &t.EmbeddingModelVersion,
		&t.Status, &t.TrustScore, &t.ConfirmationCount,
		&t.RetrievalCount, &t.LastRetrievedAt, &t.HalfLifeDays,
		&t.DepthScore, &t.SomaticIntensity, &t.ImpactLevel, &t.MemoryTemperature, &t.TraceType,
		&t.ReviewAfter, &t.WatchCondition,
		&t.ContextFingerprint, &t.ConvergenceClusterID, &t.ConvergenceLevel,
		&t.Metadata, &t.IsStale, &t.IsFlagged, &t.FlaggedAt,
		&t.ValidFrom, &t.ValidUntil, &t.CreatedAt, &t.UpdatedAt,
		&t.Tags,
	)
	return t, err
}

// CreateTraceTx inserts a trace, its tag links, and an optional SUPERSEDES
// relationship atomically within a single transaction. Tags are upserted by
// name so concurrent submissions sharing a new tag don't race.
func (db *DB) CreateTraceTx(ctx context.Context, t model.Trace, supersedes *uuid.UUID) (model.Trace, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: begin create trace tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if t.ContextFingerprint == nil {
		t.ContextFingerprint = model.Fingerprint{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO traces (id, title, context_text, solution_text, contributor_id,
		 embedding, solution_embedding, context_embedding, embedding_model_id, embedding_model_version,
		 status, trust_score, confirmation_count, retrieval_count, last_retrieved_at, half_life_days,
		 depth_score, somatic_intensity, impact_level, memory_temperature, trace_type,
		 review_after, watch_condition, context_fingerprint, convergence_cluster_id, convergence_level,
		 metadata, is_stale, is_flagged, flagged_at, valid_from, valid_until, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)`,
		t.ID, t.Title, t.ContextText, t.SolutionText, t.ContributorID,
		t.Embedding, t.SolutionEmbedding, t.ContextEmbedding, t.EmbeddingModelID, t.EmbeddingModelVersion,
		t.Status, t.TrustScore, t.ConfirmationCount, t.RetrievalCount, t.LastRetrievedAt, t.HalfLifeDays,
		t.DepthScore, t.SomaticIntensity, t.ImpactLevel, t.MemoryTemperature, t.TraceType,
		t.ReviewAfter, t.WatchCondition, t.ContextFingerprint, t.ConvergenceClusterID, t.ConvergenceLevel,
		t.Metadata, t.IsStale, t.IsFlagged, t.FlaggedAt, t.ValidFrom, t.ValidUntil, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return model.Trace{}, fmt.Errorf("storage: create trace: %w", err)
	}

	for _, name := range t.Tags {
		if err := linkTagTx(ctx, tx, t.ID, name); err != nil {
			return model.Trace{}, err
		}
	}

	if supersedes != nil {
		if err := upsertRelationshipTx(ctx, tx, t.ID, *supersedes, model.RelSupersedes, 1); err != nil {
			return model.Trace{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Trace{}, fmt.Errorf("storage: commit create trace tx: %w", err)
	}
	return t, nil
}

// GetTrace retrieves a single trace with its tags.
func (db *DB) GetTrace(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM traces t WHERE t.id = $1`, id)
	t, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, ErrNotFound
		}
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

// CountTraces returns the total number of traces. Drives the maturity tier.
func (db *DB) CountTraces(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM traces`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count traces: %w", err)
	}
	return n, nil
}

// Candidate is a trace plus its raw cosine similarity to the search query.
// Tag-only searches carry Similarity 0.
type Candidate struct {
	Trace      model.Trace
	Similarity float64
}

// tagFilterClause requires a trace to carry every requested tag. AND
// semantics: a distinct-match count equal to the requested cardinality.
const tagFilterClause = `
	AND (cardinality($3::text[]) = 0 OR (
		SELECT count(DISTINCT g.name) FROM trace_tags tt
		JOIN tags g ON g.id = tt.tag_id
		WHERE tt.trace_id = t.id AND g.name = ANY($3)
	) = cardinality($3::text[]))`

// SemanticCandidates runs the HNSW nearest-neighbor scan for the search
// pipeline. ef_search is raised with SET LOCAL so only this transaction
// pays the wider beam. Rows without an embedding (still pending the
// embedding worker), rows embedded by a different model than the query
// vector, and flagged rows never match.
func (db *DB) SemanticCandidates(ctx context.Context, query pgvector.Vector, modelID string, tags []string, includeExpired bool, limit int) ([]Candidate, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin search tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SET LOCAL hnsw.ef_search = 64`); err != nil {
		return nil, fmt.Errorf("storage: set ef_search: %w", err)
	}

	if tags == nil {
		tags = []string{}
	}
	rows, err := tx.Query(ctx,
		`SELECT `+traceColumns+`, 1 - (t.embedding <=> $1) AS similarity
		 FROM traces t
		 WHERE t.embedding IS NOT NULL
		   AND t.embedding_model_id = $2
		   AND NOT t.is_flagged`+tagFilterClause+`
		   AND ($4 OR t.valid_until IS NULL OR t.valid_until >= now())
		 ORDER BY t.embedding <=> $1
		 LIMIT $5`,
		query, modelID, tags, includeExpired, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: semantic candidates: %w", err)
	}
	candidates, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit search tx: %w", err)
	}
	return candidates, nil
}

// TagCandidates is the fallback path when no query text is given: every
// unflagged trace carrying all requested tags, strongest trust first.
func (db *DB) TagCandidates(ctx context.Context, tags []string, includeExpired bool, limit int) ([]Candidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+`, 0::float8 AS similarity
		 FROM traces t
		 WHERE t.embedding IS NOT NULL
		   AND NOT t.is_flagged
		   AND (
			SELECT count(DISTINCT g.name) FROM trace_tags tt
			JOIN tags g ON g.id = tt.tag_id
			WHERE tt.trace_id = t.id AND g.name = ANY($1)
		 ) = cardinality($1::text[])
		   AND ($2 OR t.valid_until IS NULL OR t.valid_until >= now())
		 ORDER BY t.trust_score DESC, t.id ASC
		 LIMIT $3`,
		tags, includeExpired, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: tag candidates: %w", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var (
			t   model.Trace
			sim float64
		)
		if err := rows.Scan(
			&t.ID, &t.Title, &t.ContextText, &t.SolutionText, &t.ContributorID,
			&t.Embedding, &t.SolutionEmbedding, &t.ContextEmbedding,
			&t.EmbeddingModelID, &t.EmbeddingModelVersion,
			&t.Status, &t.TrustScore, &t.ConfirmationCount,
			&t.RetrievalCount, &t.LastRetrievedAt, &t.HalfLifeDays,
			&t.DepthScore, &t.SomaticIntensity, &t.ImpactLevel, &t.MemoryTemperature, &t.TraceType,
			&t.ReviewAfter, &t.WatchCondition,
			&t.ContextFingerprint, &t.ConvergenceClusterID, &t.ConvergenceLevel,
			&t.Metadata, &t.IsStale, &t.IsFlagged, &t.FlaggedAt,
			&t.ValidFrom, &t.ValidUntil, &t.CreatedAt, &t.UpdatedAt,
			&t.Tags, &sim,
		); err != nil {
			return nil, fmt.Errorf("storage: scan candidate: %w", err)
		}
		out = append(out, Candidate{Trace: t, Similarity: sim})
	}
	return out, rows.Err()
}

// TracesByIDs fetches traces in one round trip. Order is unspecified.
func (db *DB) TracesByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Trace, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx, `SELECT `+traceColumns+` FROM traces t WHERE t.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: traces by ids: %w", err)
	}
	return scanTraces(rows)
}

// BumpRetrievals increments retrieval counters and stamps last_retrieved_at
// for the given traces in one statement.
func (db *DB) BumpRetrievals(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE traces
		 SET retrieval_count = retrieval_count + 1, last_retrieved_at = now(), updated_at = now()
		 WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("storage: bump retrievals: %w", err)
	}
	return nil
}

// ProcessUnembedded claims up to limit traces missing an embedding with
// FOR UPDATE SKIP LOCKED, invokes fn on each to fill the vector fields,
// and persists the ones fn accepted. A per-trace fn error skips that trace
// and moves on; a wrapped embedding.ErrNotConfigured from fn aborts the
// whole batch so the worker can back off. Returns the number embedded.
func (db *DB) ProcessUnembedded(ctx context.Context, limit int, fn func(ctx context.Context, t *model.Trace) error) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin embed batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+traceColumns+`
		 FROM traces t
		 WHERE t.embedding IS NULL
		 ORDER BY t.created_at ASC
		 LIMIT $1
		 FOR UPDATE OF t SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: claim unembedded: %w", err)
	}
	var batch []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan unembedded: %w", err)
		}
		batch = append(batch, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: iterate unembedded: %w", err)
	}

	processed := 0
	for i := range batch {
		if err := fn(ctx, &batch[i]); err != nil {
			return processed, err
		}
		if batch[i].Embedding == nil {
			continue // fn declined this trace, leave it for a later pass
		}
		if _, err := tx.Exec(ctx,
			`UPDATE traces
			 SET embedding = $2, solution_embedding = $3, context_embedding = $4,
			     embedding_model_id = $5, embedding_model_version = $6, updated_at = now()
			 WHERE id = $1`,
			batch[i].ID, batch[i].Embedding, batch[i].SolutionEmbedding, batch[i].ContextEmbedding,
			batch[i].EmbeddingModelID, batch[i].EmbeddingModelVersion,
		); err != nil {
			return processed, fmt.Errorf("storage: store embedding: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit embed batch tx: %w", err)
	}
	return processed, nil
}
