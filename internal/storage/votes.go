package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commontrace/commontrace/internal/model"
)

// InsertVote records a vote. The (user_id, trace_id) unique constraint
// enforces one vote per agent per trace; violations map to ErrDuplicateVote.
func (db *DB) InsertVote(ctx context.Context, v model.Vote) (model.Vote, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO votes (id, trace_id, user_id, vote_type, weight, feedback_tag, feedback_text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.TraceID, v.UserID, v.VoteType, v.Weight, v.FeedbackTag, v.FeedbackText, v.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Vote{}, ErrDuplicateVote
		}
		return model.Vote{}, fmt.Errorf("storage: insert vote: %w", err)
	}
	return v, nil
}

// ApplyVoteDelta applies a signed trust delta and bumps the confirmation
// count in one atomic UPDATE, returning the new values. Concurrent votes
// therefore never lose increments. Returns ErrNotFound for unknown traces.
func (db *DB) ApplyVoteDelta(ctx context.Context, traceID uuid.UUID, delta float64) (trust float64, confirmations int, status model.TraceStatus, err error) {
	err = db.pool.QueryRow(ctx,
		`UPDATE traces
		 SET trust_score = trust_score + $2,
		     confirmation_count = confirmation_count + 1,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING trust_score, confirmation_count, status`,
		traceID, delta,
	).Scan(&trust, &confirmations, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, "", ErrNotFound
		}
		return 0, 0, "", fmt.Errorf("storage: apply vote delta: %w", err)
	}
	return trust, confirmations, status, nil
}

// PromoteTrace moves a pending trace to validated. The WHERE guard makes
// promotion idempotent under races. Returns the resulting status.
func (db *DB) PromoteTrace(ctx context.Context, traceID uuid.UUID) (model.TraceStatus, error) {
	_, err := db.pool.Exec(ctx,
		`UPDATE traces SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = $3`,
		traceID, model.StatusValidated, model.StatusPending,
	)
	if err != nil {
		return "", fmt.Errorf("storage: promote trace: %w", err)
	}
	var status model.TraceStatus
	if err := db.pool.QueryRow(ctx, `SELECT status FROM traces WHERE id = $1`, traceID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: read promoted status: %w", err)
	}
	return status, nil
}

// InsertAmendment stores a proposed replacement solution for review.
// A foreign key violation on trace_id maps to ErrNotFound.
func (db *DB) InsertAmendment(ctx context.Context, a model.Amendment) (model.Amendment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = "proposed"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO amendments (id, trace_id, user_id, solution_text, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TraceID, a.UserID, a.SolutionText, a.Reason, a.Status, a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return model.Amendment{}, ErrNotFound
		}
		return model.Amendment{}, fmt.Errorf("storage: insert amendment: %w", err)
	}
	return a, nil
}

// AmendmentsForTrace lists amendments newest first.
func (db *DB) AmendmentsForTrace(ctx context.Context, traceID uuid.UUID) ([]model.Amendment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, user_id, solution_text, reason, status, created_at
		 FROM amendments WHERE trace_id = $1 ORDER BY created_at DESC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: amendments for trace: %w", err)
	}
	defer rows.Close()

	var out []model.Amendment
	for rows.Next() {
		var a model.Amendment
		if err := rows.Scan(&a.ID, &a.TraceID, &a.UserID, &a.SolutionText, &a.Reason, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan amendment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
