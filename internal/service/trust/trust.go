// Package trust applies votes to traces and manages promotion.
//
// Vote application is a single atomic column-delta UPDATE followed by a
// re-select; promotion to validated happens when a pending trace crosses
// the tier's confirmation threshold with net positive trust. Races are
// tolerated because votes are uniquely constrained per (user, trace) and
// promotion is an idempotent conditional UPDATE.
package trust

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/service/maturity"
)

// Store is the storage surface the trust service needs.
type Store interface {
	InsertVote(ctx context.Context, v model.Vote) (model.Vote, error)
	ApplyVoteDelta(ctx context.Context, traceID uuid.UUID, delta float64) (trust float64, confirmations int, status model.TraceStatus, err error)
	PromoteTrace(ctx context.Context, traceID uuid.UUID) (model.TraceStatus, error)
	CountTraces(ctx context.Context) (int64, error)
	ContributorVoteCounts(ctx context.Context, contributorID uuid.UUID) (total, positive int, err error)
}

// Service mutates trust state.
type Service struct {
	store Store

	// fallbackThreshold applies when the corpus size, and with it the
	// maturity tier, cannot be read. The tier table overrides it.
	fallbackThreshold int
}

// New constructs a trust service. fallbackThreshold comes from
// VALIDATION_THRESHOLD; values below 1 fall back to 2.
func New(store Store, fallbackThreshold int) *Service {
	if fallbackThreshold < 1 {
		fallbackThreshold = 2
	}
	return &Service{store: store, fallbackThreshold: fallbackThreshold}
}

// Result is the trace's trust state after a vote.
type Result struct {
	TraceID           uuid.UUID
	Status            model.TraceStatus
	TrustScore        float64
	ConfirmationCount int
}

// ApplyVote records the vote, applies its signed weight atomically, and
// promotes the trace when eligible. Promotion failure aborts the vote
// response: trust state must never look promoted without being promoted.
func (s *Service) ApplyVote(ctx context.Context, v model.Vote) (Result, error) {
	weight, err := s.VoteWeight(ctx, v.UserID)
	if err != nil {
		return Result{}, err
	}
	v.Weight = weight

	if _, err := s.store.InsertVote(ctx, v); err != nil {
		return Result{}, err
	}

	delta := weight
	if v.VoteType == model.VoteDown {
		delta = -weight
	}
	trustScore, confirmations, status, err := s.store.ApplyVoteDelta(ctx, v.TraceID, delta)
	if err != nil {
		return Result{}, err
	}

	if status == model.StatusPending && trustScore > 0 {
		// The tier-derived threshold wins; an unreadable corpus count
		// falls back to the configured threshold rather than failing
		// the vote.
		threshold := s.fallbackThreshold
		if total, err := s.store.CountTraces(ctx); err == nil {
			threshold = maturity.ValidationThreshold(maturity.TierForCount(total))
		}
		if confirmations >= threshold {
			status, err = s.store.PromoteTrace(ctx, v.TraceID)
			if err != nil {
				return Result{}, fmt.Errorf("trust: promote: %w", err)
			}
		}
	}

	return Result{
		TraceID:           v.TraceID,
		Status:            status,
		TrustScore:        trustScore,
		ConfirmationCount: confirmations,
	}, nil
}

// VoteWeight derives how much a voter's opinion counts from the reception
// of their own contributions. A voter with no track record weighs 1.0;
// established voters scale with their Wilson lower bound, bounded to
// [0.5, 2.0].
func (s *Service) VoteWeight(ctx context.Context, voterID uuid.UUID) (float64, error) {
	total, positive, err := s.store.ContributorVoteCounts(ctx, voterID)
	if err != nil {
		return 0, fmt.Errorf("trust: voter reputation: %w", err)
	}
	if total == 0 {
		return 1.0, nil
	}
	w := 0.5 + 1.5*WilsonLowerBound(positive, total)
	if w < 0.5 {
		w = 0.5
	}
	if w > 2.0 {
		w = 2.0
	}
	return w, nil
}

// WilsonLowerBound computes the 95% Wilson score confidence interval lower
// bound for a positive rate. No votes means no confidence: 0.
func WilsonLowerBound(upvotes, totalVotes int) float64 {
	if totalVotes <= 0 {
		return 0
	}
	const z = 1.9600
	z2 := z * z
	n := float64(totalVotes)
	pHat := float64(upvotes) / n
	numerator := pHat + z2/(2*n) - z*math.Sqrt((pHat*(1-pHat)+z2/(4*n))/n)
	return numerator / (1 + z2/n)
}
