package search

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/commontrace/commontrace/internal/model"
)

// Spreading activation pulls graph neighbors of the top results into the
// response with a bounded score boost, the way activation spreads from a
// recalled memory to associated ones. Single hop, hard caps everywhere.
const (
	maxActivationSources = 20
	maxActivationEdges   = 50
	activationDecay      = 0.15
	maxActivationBoost   = 0.15
)

// activationBoost is decay x (source score ratio) x (edge strength
// ratio), capped. Zero when either normalizer is non-positive.
func activationBoost(sourceScore, maxScore, strength, maxStrength float64) float64 {
	if maxScore <= 0 || maxStrength <= 0 {
		return 0
	}
	boost := activationDecay * (sourceScore / maxScore) * (strength / maxStrength)
	if boost > maxActivationBoost {
		boost = maxActivationBoost
	}
	return boost
}

// spreadActivation fetches CO_RETRIEVED and SUPERSEDES neighbors of the
// leading results, scores each one with the base formula (similarity
// fixed at 1 since the query was never compared against it), applies
// the activation boost, and merges into the ranked set. Neighbors
// already present in the results are skipped. Failures degrade to the
// un-expanded result set.
func (s *Service) spreadActivation(ctx context.Context, results []scored, searcherFP model.Fingerprint, now time.Time, limit int) []scored {
	if len(results) == 0 {
		return results
	}

	sources := results
	if len(sources) > maxActivationSources {
		sources = sources[:maxActivationSources]
	}
	sourceIDs := make([]uuid.UUID, len(sources))
	sourceScore := make(map[uuid.UUID]float64, len(sources))
	present := make(map[uuid.UUID]struct{}, len(results))
	maxScore := 0.0
	for i, r := range sources {
		sourceIDs[i] = r.trace.ID
		sourceScore[r.trace.ID] = r.score
		if r.score > maxScore {
			maxScore = r.score
		}
	}
	for _, r := range results {
		present[r.trace.ID] = struct{}{}
	}
	if maxScore <= 0 {
		return results
	}

	edges, err := s.db.ActivationEdges(ctx, sourceIDs, maxActivationEdges)
	if err != nil {
		s.logger.Warn("spreading activation edge fetch failed", "error", err)
		return results
	}

	// Keep the strongest incoming edge per neighbor.
	type incoming struct {
		source   uuid.UUID
		strength float64
	}
	best := make(map[uuid.UUID]incoming)
	maxStrength := 0.0
	for _, e := range edges {
		if _, ok := present[e.TargetTraceID]; ok {
			continue
		}
		if e.Strength > maxStrength {
			maxStrength = e.Strength
		}
		if cur, ok := best[e.TargetTraceID]; !ok || e.Strength > cur.strength {
			best[e.TargetTraceID] = incoming{source: e.SourceTraceID, strength: e.Strength}
		}
	}
	if len(best) == 0 {
		return results
	}

	neighborIDs := make([]uuid.UUID, 0, len(best))
	for id := range best {
		neighborIDs = append(neighborIDs, id)
	}
	neighbors, err := s.db.TracesByIDs(ctx, neighborIDs)
	if err != nil {
		s.logger.Warn("spreading activation neighbor fetch failed", "error", err)
		return results
	}

	for i := range neighbors {
		t := neighbors[i]
		edge := best[t.ID]
		boost := activationBoost(sourceScore[edge.source], maxScore, edge.strength, maxStrength)
		base := baseScore(&t, 1, searcherFP, now)
		results = append(results, scored{
			trace:       t,
			sim:         1,
			reportedSim: 0,
			score:       base * (1 + boost),
		})
	}

	sortScored(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
