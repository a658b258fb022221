// Package consolidation runs the periodic sleep cycle: trust
// downscaling, temperature reclassification, co-retrieval edge building,
// log pruning, prospective-memory checks, convergence clustering,
// pattern synthesis, contradiction detection, retrieval-induced
// forgetting shadows, and tag trend computation.
package consolidation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/service/maturity"
	"github.com/commontrace/commontrace/internal/service/temperature"
	"github.com/commontrace/commontrace/internal/storage"
)

const (
	retrievalWindow    = 30 * 24 * time.Hour
	coRetrievalPerSess = 10
	flagTrustFloor     = -2.0

	clusterDistance  = 0.15
	clusterNeighbors = 50
	clusterSeedBatch = 1000

	contradictionDistance = 0.4
	contradictsHighTrust  = 1.0
	contradictsLowTrust   = -0.5

	rifMinLosses = 3

	trendWindow        = 7 * 24 * time.Hour
	trendGrowthCutoff  = 2.0
	trendMinTraceCount = 3
)

// Service executes consolidation cycles against the store.
type Service struct {
	db           *storage.DB
	logger       *slog.Logger
	cadence      time.Duration
	staleAgeDays int
	now          func() time.Time
}

// New creates a consolidation service with the given cadence, which
// doubles as the idempotency window. staleAgeDays tunes the idle cutoff
// for freezing distrusted traces during temperature reclassification.
func New(db *storage.DB, logger *slog.Logger, cadence time.Duration, staleAgeDays int) *Service {
	return &Service{
		db:           db,
		logger:       logger,
		cadence:      cadence,
		staleAgeDays: staleAgeDays,
		now:          time.Now,
	}
}

// RunCycle executes one full sleep cycle. A cycle whose predecessor
// completed within the cadence window is skipped without opening a run.
// Each sub-job is isolated: a failing job is recorded in stats and the
// cycle continues, ending partial (or failed when nothing succeeded).
func (s *Service) RunCycle(ctx context.Context) (model.ConsolidationStatus, error) {
	last, err := s.db.LastCompletedRunAt(ctx)
	if err != nil {
		return "", err
	}
	now := s.now()
	if last != nil && now.Sub(*last) < s.cadence {
		s.logger.Info("consolidation skipped, recent completed run", "completed_at", *last)
		metrics.ConsolidationRuns.WithLabelValues("skipped").Inc()
		return model.RunCompleted, nil
	}

	run, err := s.db.CreateConsolidationRun(ctx)
	if err != nil {
		return "", err
	}
	s.logger.Info("consolidation cycle started", "run_id", run.ID)

	stats := map[string]any{}
	failed, succeeded := 0, 0
	do := func(name string, job func() error) {
		if err := job(); err != nil {
			failed++
			stats[name] = "error"
			metrics.ConsolidationJobErrors.WithLabelValues(name).Inc()
			s.logger.Error("consolidation job failed", "run_id", run.ID, "job", name, "error", err)
			return
		}
		succeeded++
	}

	// Maturity probing gates trust decay and clustering. When the count
	// is unreadable the cycle assumes SEED, the tier with no decay.
	tier := maturity.TierSeed
	do("maturity", func() error {
		n, err := s.db.CountTraces(ctx)
		if err != nil {
			return err
		}
		tier = maturity.TierForCount(n)
		stats["maturity"] = map[string]any{"tier": string(tier), "trace_count": n}
		return nil
	})

	do("trust_downscaling", func() error {
		factor := maturity.DecayFactor(tier)
		if factor >= 1.0 {
			stats["trust_downscaling"] = map[string]any{"downscaled": 0}
			return nil
		}
		n, err := s.db.DownscaleTrust(ctx, factor)
		if err != nil {
			return err
		}
		stats["trust_downscaling"] = map[string]any{"downscaled": n, "factor": factor}
		return nil
	})

	do("temperature", func() error {
		jobStats, err := s.reclassifyTemperatures(ctx, now)
		if err != nil {
			return err
		}
		stats["temperature"] = jobStats
		return nil
	})

	do("co_retrieval", func() error {
		n, err := s.buildCoRetrievalEdges(ctx, now)
		if err != nil {
			return err
		}
		stats["co_retrieval"] = map[string]any{"edges_upserted": n}
		return nil
	})

	do("log_prune", func() error {
		n, err := s.db.PruneRetrievalLogs(ctx, now.Add(-retrievalWindow))
		if err != nil {
			return err
		}
		stats["log_prune"] = map[string]any{"pruned": n}
		return nil
	})

	do("prospective_memory", func() error {
		n, err := s.db.ActivateDueReviews(ctx)
		if err != nil {
			return err
		}
		stats["prospective_memory"] = map[string]any{"frozen": n}
		return nil
	})

	do("convergence", func() error {
		if tier == maturity.TierSeed {
			stats["convergence"] = map[string]any{"clustered": 0, "skipped": "seed tier"}
			return nil
		}
		n, err := s.detectConvergence(ctx)
		if err != nil {
			return err
		}
		stats["convergence"] = map[string]any{"clustered": n}
		return nil
	})

	do("pattern_synthesis", func() error {
		n, err := s.synthesizePatterns(ctx)
		if err != nil {
			return err
		}
		stats["pattern_synthesis"] = map[string]any{"generated": n}
		return nil
	})

	do("contradictions", func() error {
		alts, contras, err := s.detectContradictions(ctx)
		if err != nil {
			return err
		}
		stats["contradictions"] = map[string]any{"alternatives": alts, "contradictions": contras}
		return nil
	})

	do("rif_shadows", func() error {
		n, err := s.updateRifShadows(ctx, now)
		if err != nil {
			return err
		}
		stats["rif_shadows"] = map[string]any{"shadows_upserted": n}
		return nil
	})

	do("tag_trends", func() error {
		n, err := s.computeTagTrends(ctx, now)
		if err != nil {
			return err
		}
		stats["tag_trends"] = map[string]any{"tags_evaluated": n}
		return nil
	})

	status := model.RunCompleted
	switch {
	case failed > 0 && succeeded == 0:
		status = model.RunFailed
	case failed > 0:
		status = model.RunPartial
	}

	if err := s.db.FinishConsolidationRun(ctx, run.ID, status, stats); err != nil {
		return status, fmt.Errorf("consolidation: finish run: %w", err)
	}
	metrics.ConsolidationRuns.WithLabelValues(string(status)).Inc()
	s.logger.Info("consolidation cycle finished",
		"run_id", run.ID, "status", status, "jobs_failed", failed)
	return status, nil
}

// reclassifyTemperatures recomputes every trace's memory temperature and
// rewrites only the changed rows, batched by target temperature. Traces
// below the trust floor are flagged for review in the same job.
func (s *Service) reclassifyTemperatures(ctx context.Context, now time.Time) (map[string]any, error) {
	rows, err := s.db.TemperatureRows(ctx)
	if err != nil {
		return nil, err
	}

	byTemp := map[model.Temperature][]uuid.UUID{}
	distribution := map[string]int{}
	for _, r := range rows {
		next := temperature.Classify(r.TrustScore, r.RetrievalCount, r.LastRetrievedAt, r.CreatedAt, now, s.staleAgeDays)
		distribution[string(next)]++
		if r.Temperature == nil || *r.Temperature != next {
			byTemp[next] = append(byTemp[next], r.ID)
		}
	}

	var total int64
	for temp, ids := range byTemp {
		n, err := s.db.SetTemperatures(ctx, ids, temp)
		if err != nil {
			return nil, err
		}
		total += n
	}

	flagged, err := s.db.FlagLowTrust(ctx, flagTrustFloor)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"temperatures_changed": total,
		"distribution":         distribution,
		"newly_flagged":        flagged,
	}, nil
}

// buildCoRetrievalEdges mines recent retrieval logs for traces surfaced
// together and strengthens the symmetric CO_RETRIEVED edges between them.
func (s *Service) buildCoRetrievalEdges(ctx context.Context, now time.Time) (int, error) {
	groups, err := s.db.SessionGroups(ctx, now.Add(-retrievalWindow), coRetrievalPerSess)
	if err != nil {
		return 0, err
	}

	upserted := 0
	for _, ids := range groups {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				src, dst := ids[i], ids[j]
				// The search side-effect path writes the same edges
				// concurrently; deadlocks here are transient.
				err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
					if err := s.db.UpsertRelationship(ctx, src, dst, model.RelCoRetrieved, 1); err != nil {
						return err
					}
					return s.db.UpsertRelationship(ctx, dst, src, model.RelCoRetrieved, 1)
				})
				if err != nil {
					return upserted, err
				}
				upserted += 2
			}
		}
	}
	return upserted, nil
}

// updateRifShadows upserts (loser, winner) pairs where one trace keeps
// taking the top slot away from another across recent sessions.
func (s *Service) updateRifShadows(ctx context.Context, now time.Time) (int, error) {
	pairs, err := s.db.WinnerLoserPairs(ctx, now.Add(-retrievalWindow), rifMinLosses)
	if err != nil {
		return 0, err
	}
	for _, p := range pairs {
		if err := s.db.UpsertRifShadow(ctx, p.LoserTraceID, p.WinnerTraceID, p.Count); err != nil {
			return 0, err
		}
	}
	return len(pairs), nil
}

// computeTagTrends compares each tag's distinct-trace count over the
// last week against the week before and marks fast growers as trending.
func (s *Service) computeTagTrends(ctx context.Context, now time.Time) (int, error) {
	periodEnd := now
	periodStart := now.Add(-trendWindow)
	priorStart := now.Add(-2 * trendWindow)

	current, err := s.db.TagUsageCounts(ctx, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	prior, err := s.db.TagUsageCounts(ctx, priorStart, periodStart)
	if err != nil {
		return 0, err
	}

	evaluated := 0
	for tag, count := range current {
		priorCount := prior[tag]
		denom := priorCount
		if denom < 1 {
			denom = 1
		}
		growth := float64(count) / float64(denom)
		trend := model.TagTrend{
			TagName:          tag,
			PeriodStart:      periodStart,
			PeriodEnd:        periodEnd,
			TraceCountPeriod: count,
			TraceCountPrior:  priorCount,
			GrowthRate:       growth,
			IsTrending:       growth > trendGrowthCutoff && count >= trendMinTraceCount,
		}
		if err := s.db.UpsertTagTrend(ctx, trend); err != nil {
			return evaluated, err
		}
		evaluated++
	}
	return evaluated, nil
}
