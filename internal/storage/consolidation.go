package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commontrace/commontrace/internal/model"
)

// CreateConsolidationRun opens a new run row in the running state.
func (db *DB) CreateConsolidationRun(ctx context.Context) (model.ConsolidationRun, error) {
	run := model.ConsolidationRun{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		Status:    model.RunRunning,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO consolidation_runs (id, started_at, status) VALUES ($1, $2, $3)`,
		run.ID, run.StartedAt, run.Status,
	)
	if err != nil {
		return model.ConsolidationRun{}, fmt.Errorf("storage: create consolidation run: %w", err)
	}
	return run, nil
}

// FinishConsolidationRun records the terminal status and per-job stats.
func (db *DB) FinishConsolidationRun(ctx context.Context, id uuid.UUID, status model.ConsolidationStatus, stats map[string]any) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE consolidation_runs SET status = $2, stats = $3, completed_at = now() WHERE id = $1`,
		id, status, stats,
	)
	if err != nil {
		return fmt.Errorf("storage: finish consolidation run: %w", err)
	}
	return nil
}

// LastCompletedRunAt returns when the most recent completed run finished,
// or nil if none exists. Drives the idempotency gate: a cycle whose
// predecessor completed within the cadence is skipped.
func (db *DB) LastCompletedRunAt(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT completed_at FROM consolidation_runs
		 WHERE status = $1 AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`,
		model.RunCompleted,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: last completed run: %w", err)
	}
	return &t, nil
}

// DownscaleTrust multiplies every positive trust score by factor.
func (db *DB) DownscaleTrust(ctx context.Context, factor float64) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces SET trust_score = trust_score * $1, updated_at = now() WHERE trust_score > 0`,
		factor,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: downscale trust: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TemperatureRow carries the fields the temperature classifier reads.
type TemperatureRow struct {
	ID              uuid.UUID
	TrustScore      float64
	RetrievalCount  int
	LastRetrievedAt *time.Time
	CreatedAt       time.Time
	Temperature     *model.Temperature
}

// TemperatureRows streams all traces' classifier inputs.
func (db *DB) TemperatureRows(ctx context.Context) ([]TemperatureRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trust_score, retrieval_count, last_retrieved_at, created_at, memory_temperature
		 FROM traces`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: temperature rows: %w", err)
	}
	defer rows.Close()

	var out []TemperatureRow
	for rows.Next() {
		var r TemperatureRow
		if err := rows.Scan(&r.ID, &r.TrustScore, &r.RetrievalCount, &r.LastRetrievedAt, &r.CreatedAt, &r.Temperature); err != nil {
			return nil, fmt.Errorf("storage: scan temperature row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetTemperatures applies one temperature to a batch of traces. is_stale
// tracks the FROZEN state.
func (db *DB) SetTemperatures(ctx context.Context, ids []uuid.UUID, temp model.Temperature) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces
		 SET memory_temperature = $2, is_stale = ($2 = $3), updated_at = now()
		 WHERE id = ANY($1)`,
		ids, temp, model.TempFrozen,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: set temperatures: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FlagLowTrust marks traces below the trust floor for human review.
func (db *DB) FlagLowTrust(ctx context.Context, threshold float64) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces SET is_flagged = true, flagged_at = now(), updated_at = now()
		 WHERE trust_score < $1 AND NOT is_flagged`,
		threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: flag low trust: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActivateDueReviews freezes traces whose review_after deadline passed so
// they surface for re-verification instead of ranking normally.
func (db *DB) ActivateDueReviews(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces
		 SET is_stale = true, memory_temperature = $1, updated_at = now()
		 WHERE review_after IS NOT NULL AND review_after < now() AND NOT is_stale`,
		model.TempFrozen,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: activate due reviews: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UnclusteredEmbedded returns embedded traces not yet assigned to a
// convergence cluster, oldest first.
func (db *DB) UnclusteredEmbedded(ctx context.Context, limit int) ([]model.Trace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+`
		 FROM traces t
		 WHERE t.embedding IS NOT NULL AND t.convergence_cluster_id IS NULL
		 ORDER BY t.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: unclustered embedded: %w", err)
	}
	return scanTraces(rows)
}

// NeighborRow is the slim view convergence clustering reads for each
// trace near a seed.
type NeighborRow struct {
	ID          uuid.UUID
	ClusterID   *uuid.UUID
	Fingerprint model.Fingerprint
}

// EmbeddedNeighbors returns embedded traces within maxDistance (cosine)
// of the given trace's embedding, excluding the trace itself.
func (db *DB) EmbeddedNeighbors(ctx context.Context, traceID uuid.UUID, maxDistance float64, limit int) ([]NeighborRow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.id, t.convergence_cluster_id, t.context_fingerprint
		 FROM traces t
		 WHERE t.embedding IS NOT NULL
		   AND t.id != $1
		   AND t.embedding <=> (SELECT embedding FROM traces WHERE id = $1) < $2
		 ORDER BY t.embedding <=> (SELECT embedding FROM traces WHERE id = $1)
		 LIMIT $3`,
		traceID, maxDistance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: embedded neighbors: %w", err)
	}
	defer rows.Close()

	var out []NeighborRow
	for rows.Next() {
		var n NeighborRow
		if err := rows.Scan(&n.ID, &n.ClusterID, &n.Fingerprint); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ClusterFingerprints returns the non-empty context fingerprints of every
// trace in a cluster.
func (db *DB) ClusterFingerprints(ctx context.Context, clusterID uuid.UUID) ([]model.Fingerprint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT context_fingerprint FROM traces
		 WHERE convergence_cluster_id = $1 AND context_fingerprint IS NOT NULL`,
		clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cluster fingerprints: %w", err)
	}
	defer rows.Close()

	var out []model.Fingerprint
	for rows.Next() {
		var fp model.Fingerprint
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("storage: scan cluster fingerprint: %w", err)
		}
		if len(fp) > 0 {
			out = append(out, fp)
		}
	}
	return out, rows.Err()
}

// SetClusterLevel propagates a convergence level to every cluster member.
func (db *DB) SetClusterLevel(ctx context.Context, clusterID uuid.UUID, level int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE traces SET convergence_level = $2, updated_at = now()
		 WHERE convergence_cluster_id = $1`,
		clusterID, level,
	)
	if err != nil {
		return fmt.Errorf("storage: set cluster level: %w", err)
	}
	return nil
}

// AssignCluster stamps the cluster id and convergence level on members.
func (db *DB) AssignCluster(ctx context.Context, ids []uuid.UUID, clusterID uuid.UUID, level int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE traces
		 SET convergence_cluster_id = $2, convergence_level = $3, updated_at = now()
		 WHERE id = ANY($1)`,
		ids, clusterID, level,
	)
	if err != nil {
		return fmt.Errorf("storage: assign cluster: %w", err)
	}
	return nil
}

// SynthesisClusters returns cluster ids with at least minMembers episodic,
// unflagged members averaging at least minAvgTrust, and no pattern trace
// yet synthesized for the cluster.
func (db *DB) SynthesisClusters(ctx context.Context, minMembers int, minAvgTrust float64) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT t.convergence_cluster_id
		 FROM traces t
		 WHERE t.convergence_cluster_id IS NOT NULL
		   AND t.trace_type = $1
		   AND NOT t.is_flagged
		 GROUP BY t.convergence_cluster_id
		 HAVING count(*) >= $2
		    AND avg(t.trust_score) >= $3
		    AND NOT EXISTS (
			SELECT 1 FROM traces p
			WHERE p.convergence_cluster_id = t.convergence_cluster_id
			  AND p.trace_type = $4)`,
		model.TypeEpisodic, minMembers, minAvgTrust, model.TypePattern,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: synthesis clusters: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan synthesis cluster: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClusterMembers returns a cluster's episodic, unflagged traces, strongest
// trust first.
func (db *DB) ClusterMembers(ctx context.Context, clusterID uuid.UUID) ([]model.Trace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+`
		 FROM traces t
		 WHERE t.convergence_cluster_id = $1
		   AND t.trace_type = $2
		   AND NOT t.is_flagged
		 ORDER BY t.trust_score DESC, t.id ASC`,
		clusterID, model.TypeEpisodic,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: cluster members: %w", err)
	}
	return scanTraces(rows)
}

// ContradictionPair is two clustered traces whose solutions diverge.
type ContradictionPair struct {
	AID      uuid.UUID
	BID      uuid.UUID
	ATrust   float64
	BTrust   float64
	Distance float64
}

// ContradictionPairs self-joins each cluster and returns member pairs
// whose solution embeddings (falling back to the full embedding) are more
// than minDistance apart. Flagged members are skipped; a moderated trace
// must not acquire new edges. Pairs come out once with AID < BID.
func (db *DB) ContradictionPairs(ctx context.Context, minDistance float64) ([]ContradictionPair, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, b.id, a.trust_score, b.trust_score,
		        COALESCE(a.solution_embedding, a.embedding) <=> COALESCE(b.solution_embedding, b.embedding)
		 FROM traces a
		 JOIN traces b
		   ON a.convergence_cluster_id = b.convergence_cluster_id
		  AND a.id < b.id
		 WHERE a.convergence_cluster_id IS NOT NULL
		   AND NOT a.is_flagged
		   AND NOT b.is_flagged
		   AND COALESCE(a.solution_embedding, a.embedding) IS NOT NULL
		   AND COALESCE(b.solution_embedding, b.embedding) IS NOT NULL
		   AND COALESCE(a.solution_embedding, a.embedding) <=> COALESCE(b.solution_embedding, b.embedding) > $1`,
		minDistance,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: contradiction pairs: %w", err)
	}
	defer rows.Close()

	var out []ContradictionPair
	for rows.Next() {
		var p ContradictionPair
		if err := rows.Scan(&p.AID, &p.BID, &p.ATrust, &p.BTrust, &p.Distance); err != nil {
			return nil, fmt.Errorf("storage: scan contradiction pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanTraces(rows pgx.Rows) ([]model.Trace, error) {
	defer rows.Close()
	var out []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
