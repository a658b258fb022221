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

// CreateUser inserts a new agent account. Returns ErrDuplicateUser when the
// agent name or key prefix is already taken.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, agent_name, key_prefix, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.AgentName, u.KeyPrefix, u.APIKeyHash, u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.User{}, ErrDuplicateUser
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUserByKeyPrefix looks up a user by API key prefix. Used as an O(1)
// pre-filter before Argon2 verification. Returns ErrNotFound when no user
// carries the prefix.
func (db *DB) GetUserByKeyPrefix(ctx context.Context, prefix string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_name, key_prefix, api_key_hash, created_at
		 FROM users WHERE key_prefix = $1`,
		prefix,
	).Scan(&u.ID, &u.AgentName, &u.KeyPrefix, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by key prefix: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by UUID.
func (db *DB) GetUserByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_name, key_prefix, api_key_hash, created_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.AgentName, &u.KeyPrefix, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user by id: %w", err)
	}
	return u, nil
}

// EnsureSystemUser creates the reserved SYSTEM contributor row if it does
// not exist. Synthesized pattern traces are attributed to this account.
func (db *DB) EnsureSystemUser(ctx context.Context) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, agent_name, key_prefix, api_key_hash, created_at)
		 VALUES ($1, 'system', '', '', now())
		 ON CONFLICT (id) DO NOTHING`,
		model.SystemUserID,
	)
	if err != nil {
		return fmt.Errorf("storage: ensure system user: %w", err)
	}
	return nil
}

// ContributorVoteCounts returns the total and positive vote counts received
// across a contributor's traces. Feeds the Wilson reputation used for vote
// weighting.
func (db *DB) ContributorVoteCounts(ctx context.Context, contributorID uuid.UUID) (total, positive int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE v.vote_type = 'up')
		 FROM votes v
		 JOIN traces t ON t.id = v.trace_id
		 WHERE t.contributor_id = $1`,
		contributorID,
	).Scan(&total, &positive)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: contributor vote counts: %w", err)
	}
	return total, positive, nil
}
