// Package search implements the hybrid retrieval pipeline: semantic ANN
// or tag-filtered candidate fetch, multi-factor re-ranking, spreading
// activation over the trace graph, diversity re-ordering, and the
// fire-and-forget retrieval side-effects.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/service/embedding"
	"github.com/commontrace/commontrace/internal/storage"
	"github.com/commontrace/commontrace/internal/tasks"
)

// Over-fetch from the candidate query before re-ranking so the
// multi-factor score has room to reorder beyond the requested limit.
const candidateOverFetch = 100

// Co-retrieval edges are recorded for pairs among the first
// coRetrievalWindow results only, keeping the pair count quadratic in a
// small constant rather than in the response size.
const coRetrievalWindow = 10

// Service runs searches against the trace store.
type Service struct {
	db       *storage.DB
	provider embedding.Provider
	tracker  *tasks.Tracker
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a search service. The tracker receives the post-response
// side-effect writes; it may be nil in tests, which disables them.
func New(db *storage.DB, provider embedding.Provider, tracker *tasks.Tracker, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		provider: provider,
		tracker:  tracker,
		logger:   logger,
		now:      time.Now,
	}
}

// scored pairs a candidate trace with its pipeline state. sim is the
// similarity used inside the ranking formula; reportedSim is what the
// response carries (zero on the tag-only path and for activation
// neighbors, where no query similarity exists).
type scored struct {
	trace       model.Trace
	sim         float64
	reportedSim float64
	score       float64
}

// Search executes the full retrieval pipeline. A request with a query
// requires a configured embedding backend; embedding.ErrNotConfigured
// propagates unwrapped so the transport layer can map it to 503.
func (s *Service) Search(ctx context.Context, req model.TraceSearchRequest) (model.TraceSearchResponse, error) {
	start := time.Now()
	now := s.now()
	tags := model.NormalizeTags(req.Tags)

	var candidates []storage.Candidate
	semantic := req.Q != nil
	if semantic {
		vec, err := s.provider.Embed(ctx, *req.Q)
		if err != nil {
			metrics.SearchRequests.WithLabelValues("unavailable").Inc()
			return model.TraceSearchResponse{}, fmt.Errorf("search: embed query: %w", err)
		}
		candidates, err = s.db.SemanticCandidates(ctx, vec, s.provider.ModelID(), tags, req.IncludeExpired, candidateOverFetch)
		if err != nil {
			metrics.SearchRequests.WithLabelValues("error").Inc()
			return model.TraceSearchResponse{}, err
		}
	} else {
		var err error
		candidates, err = s.db.TagCandidates(ctx, tags, req.IncludeExpired, candidateOverFetch)
		if err != nil {
			metrics.SearchRequests.WithLabelValues("error").Inc()
			return model.TraceSearchResponse{}, err
		}
	}

	results := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		sim := 1.0
		reported := 0.0
		if semantic {
			sim = c.Similarity
			reported = c.Similarity
		}
		results = append(results, scored{
			trace:       c.Trace,
			sim:         sim,
			reportedSim: reported,
			score:       baseScore(&c.Trace, sim, req.Context, now),
		})
	}
	sortScored(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	results = s.spreadActivation(ctx, results, req.Context, now, req.Limit)
	results = diversify(results, diversityThreshold)

	resp := model.TraceSearchResponse{
		Results: make([]model.TraceSearchResult, 0, len(results)),
		Total:   len(results),
		Query:   req.Q,
	}
	for _, r := range results {
		resp.Results = append(resp.Results, toSearchResult(r))
	}

	if err := s.attachRelated(ctx, resp.Results); err != nil {
		// Related edges are decoration; a failure here does not void
		// an otherwise good result set.
		s.logger.Warn("attach related traces failed", "error", err)
	}

	s.recordRetrieval(results)

	metrics.SearchRequests.WithLabelValues("ok").Inc()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("search executed",
		"semantic", semantic,
		"tag_count", len(tags),
		"result_count", len(resp.Results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// sortScored orders by score descending with the trace id as a
// tiebreaker, so equal-scored results are stable across requests.
func sortScored(rs []scored) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].trace.ID.String() < rs[j].trace.ID.String()
	})
}

func toSearchResult(r scored) model.TraceSearchResult {
	t := r.trace
	return model.TraceSearchResult{
		ID:                 t.ID,
		Title:              t.Title,
		ContextText:        t.ContextText,
		SolutionText:       t.SolutionText,
		TrustScore:         t.TrustScore,
		Status:             t.Status,
		Tags:               t.Tags,
		SimilarityScore:    r.reportedSim,
		CombinedScore:      r.score,
		ContributorID:      t.ContributorID,
		CreatedAt:          t.CreatedAt,
		RetrievalCount:     t.RetrievalCount,
		DepthScore:         t.DepthScore,
		ContextFingerprint: t.ContextFingerprint,
		ConvergenceLevel:   t.ConvergenceLevel,
		MemoryTemperature:  t.MemoryTemperature,
		RelatedTraces:      []model.RelatedTrace{},
	}
}

// attachRelated decorates each result with its top outgoing edges.
func (s *Service) attachRelated(ctx context.Context, results []model.TraceSearchResult) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(results))
	for i := range results {
		ids[i] = results[i].ID
	}
	related, err := s.db.RelatedForTraces(ctx, ids, 3)
	if err != nil {
		return err
	}
	for i := range results {
		if rel, ok := related[results[i].ID]; ok {
			results[i].RelatedTraces = rel
		}
	}
	return nil
}

// recordRetrieval schedules the post-response side-effects: retrieval
// counter bumps, positioned retrieval logs under a fresh session id, and
// bidirectional CO_RETRIEVED edges for pairs among the leading results.
// All three are best-effort and never touch the request context.
func (s *Service) recordRetrieval(results []scored) {
	if s.tracker == nil || len(results) == 0 {
		return
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.trace.ID
	}
	sessionID := uuid.NewString()
	retrievedAt := s.now()

	s.tracker.Go("bump_retrievals", func(ctx context.Context) error {
		return s.db.BumpRetrievals(ctx, ids)
	})
	s.tracker.Go("retrieval_logs", func(ctx context.Context) error {
		logs := make([]model.RetrievalLog, len(ids))
		for i, id := range ids {
			pos := i
			logs[i] = model.RetrievalLog{
				ID:              uuid.New(),
				TraceID:         id,
				SearchSessionID: sessionID,
				ResultPosition:  &pos,
				RetrievedAt:     retrievedAt,
			}
		}
		_, err := s.db.InsertRetrievalLogs(ctx, logs)
		return err
	})
	s.tracker.Go("co_retrievals", func(ctx context.Context) error {
		window := ids
		if len(window) > coRetrievalWindow {
			window = window[:coRetrievalWindow]
		}
		// Concurrent searches upsert the same popular edges; deadlocks
		// between their accumulating updates are retried, not surfaced.
		for i := 0; i < len(window); i++ {
			for j := i + 1; j < len(window); j++ {
				src, dst := window[i], window[j]
				err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
					if err := s.db.UpsertRelationship(ctx, src, dst, model.RelCoRetrieved, 1); err != nil {
						return err
					}
					return s.db.UpsertRelationship(ctx, dst, src, model.RelCoRetrieved, 1)
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}
