package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/commontrace/commontrace/internal/model"
)

// linkTagTx upserts a tag by name and links it to a trace. The DO UPDATE
// no-op on conflict lets RETURNING always yield the id, racing inserts
// included.
func linkTagTx(ctx context.Context, tx pgx.Tx, traceID uuid.UUID, name string) error {
	var tagID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO tags (id, name, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		uuid.New(), name,
	).Scan(&tagID); err != nil {
		return fmt.Errorf("storage: upsert tag %q: %w", name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO trace_tags (trace_id, tag_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		traceID, tagID,
	); err != nil {
		return fmt.Errorf("storage: link tag %q: %w", name, err)
	}
	return nil
}

// ListTags returns all tag names alphabetically.
func (db *DB) ListTags(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT name FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list tags: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("storage: scan tag: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// TagUsageCounts returns, per tag, how many traces created inside
// [from, to) carry it. Feeds the trend computation.
func (db *DB) TagUsageCounts(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT g.name, count(DISTINCT t.id)
		 FROM traces t
		 JOIN trace_tags tt ON tt.trace_id = t.id
		 JOIN tags g ON g.id = tt.tag_id
		 WHERE t.created_at >= $1 AND t.created_at < $2
		 GROUP BY g.name`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: tag usage counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("storage: scan tag usage: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}

// UpsertTagTrend records one tag's growth for a period. Re-running a
// consolidation cycle for the same period overwrites rather than duplicates.
func (db *DB) UpsertTagTrend(ctx context.Context, tr model.TagTrend) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tag_trends (id, tag_name, period_start, period_end, trace_count_period, trace_count_prior, growth_rate, is_trending, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (tag_name, period_end)
		 DO UPDATE SET period_start = EXCLUDED.period_start,
		               trace_count_period = EXCLUDED.trace_count_period,
		               trace_count_prior = EXCLUDED.trace_count_prior,
		               growth_rate = EXCLUDED.growth_rate,
		               is_trending = EXCLUDED.is_trending`,
		tr.ID, tr.TagName, tr.PeriodStart, tr.PeriodEnd, tr.TraceCountPeriod, tr.TraceCountPrior, tr.GrowthRate, tr.IsTrending,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tag trend: %w", err)
	}
	return nil
}

// TrendingTags returns the top trending tags from the most recent period,
// steepest growth first.
func (db *DB) TrendingTags(ctx context.Context, limit int) ([]model.TagTrend, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tag_name, period_start, period_end, trace_count_period, trace_count_prior, growth_rate, is_trending
		 FROM tag_trends
		 WHERE is_trending AND period_end = (SELECT max(period_end) FROM tag_trends)
		 ORDER BY growth_rate DESC, tag_name ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: trending tags: %w", err)
	}
	defer rows.Close()

	var out []model.TagTrend
	for rows.Next() {
		var tr model.TagTrend
		if err := rows.Scan(&tr.ID, &tr.TagName, &tr.PeriodStart, &tr.PeriodEnd, &tr.TraceCountPeriod, &tr.TraceCountPrior, &tr.GrowthRate, &tr.IsTrending); err != nil {
			return nil, fmt.Errorf("storage: scan tag trend: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
