package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commontrace/commontrace/internal/model"
)

// InsertRetrievalLogs batch-inserts retrieval log rows via COPY. Called on
// the fire-and-forget path after every search, so throughput matters more
// than per-row error detail.
func (db *DB) InsertRetrievalLogs(ctx context.Context, logs []model.RetrievalLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	columns := []string{"id", "trace_id", "search_session_id", "result_position", "retrieved_at"}
	rows := make([][]any, len(logs))
	for i, l := range logs {
		id := l.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		retrievedAt := l.RetrievedAt
		if retrievedAt.IsZero() {
			retrievedAt = time.Now().UTC()
		}
		rows[i] = []any{id, l.TraceID, l.SearchSessionID, l.ResultPosition, retrievedAt}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"retrieval_logs"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy retrieval logs: %w", err)
	}
	return n, nil
}

// SessionGroups returns, per search session since the cutoff, the trace ids
// retrieved together in result order, capped at perSession per session.
// Feeds co-retrieval edge building.
func (db *DB) SessionGroups(ctx context.Context, since time.Time, perSession int) (map[string][]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT search_session_id, trace_id
		 FROM (
			SELECT search_session_id, trace_id,
			       row_number() OVER (PARTITION BY search_session_id
			                          ORDER BY COALESCE(result_position, 2147483647), retrieved_at) AS rn
			FROM retrieval_logs
			WHERE retrieved_at >= $1
		 ) ranked
		 WHERE rn <= $2
		 ORDER BY search_session_id`,
		since, perSession,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: session groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]uuid.UUID)
	for rows.Next() {
		var (
			session string
			traceID uuid.UUID
		)
		if err := rows.Scan(&session, &traceID); err != nil {
			return nil, fmt.Errorf("storage: scan session group: %w", err)
		}
		out[session] = append(out[session], traceID)
	}
	return out, rows.Err()
}

// PruneRetrievalLogs deletes log rows older than the cutoff and returns the
// count removed.
func (db *DB) PruneRetrievalLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM retrieval_logs WHERE retrieved_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("storage: prune retrieval logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// WinnerLoserPair is one repeated top-position contest between two traces.
type WinnerLoserPair struct {
	WinnerTraceID uuid.UUID
	LoserTraceID  uuid.UUID
	Count         int
}

// WinnerLoserPairs finds sessions where one trace took position 0 while
// another appeared below it, and returns the pairs repeated at least
// minCount times since the cutoff.
func (db *DB) WinnerLoserPairs(ctx context.Context, since time.Time, minCount int) ([]WinnerLoserPair, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT w.trace_id, l.trace_id, count(*)
		 FROM retrieval_logs w
		 JOIN retrieval_logs l
		   ON l.search_session_id = w.search_session_id
		  AND l.trace_id <> w.trace_id
		  AND l.result_position > 0
		 WHERE w.result_position = 0
		   AND w.retrieved_at >= $1
		 GROUP BY w.trace_id, l.trace_id
		 HAVING count(*) >= $2`,
		since, minCount,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: winner loser pairs: %w", err)
	}
	defer rows.Close()

	var out []WinnerLoserPair
	for rows.Next() {
		var p WinnerLoserPair
		if err := rows.Scan(&p.WinnerTraceID, &p.LoserTraceID, &p.Count); err != nil {
			return nil, fmt.Errorf("storage: scan winner loser pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertRifShadow accumulates loss counts for a (loser, winner) pair.
func (db *DB) UpsertRifShadow(ctx context.Context, loser, winner uuid.UUID, count int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rif_shadows (id, loser_trace_id, winner_trace_id, loss_count, last_observed, created_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 ON CONFLICT (loser_trace_id, winner_trace_id)
		 DO UPDATE SET loss_count = rif_shadows.loss_count + EXCLUDED.loss_count, last_observed = now()`,
		uuid.New(), loser, winner, count,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert rif shadow: %w", err)
	}
	return nil
}

// InsertTriggerStats stores an opaque session analytics payload.
func (db *DB) InsertTriggerStats(ctx context.Context, ts model.TriggerStats) (model.TriggerStats, error) {
	if ts.ID == uuid.Nil {
		ts.ID = uuid.New()
	}
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = time.Now().UTC()
	}
	if ts.Stats == nil {
		ts.Stats = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trigger_stats (id, session_id, stats, created_at)
		 VALUES ($1, $2, $3, $4)`,
		ts.ID, ts.SessionID, ts.Stats, ts.CreatedAt,
	)
	if err != nil {
		return model.TriggerStats{}, fmt.Errorf("storage: insert trigger stats: %w", err)
	}
	return ts, nil
}
