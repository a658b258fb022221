package consolidation

import (
	"context"

	"github.com/google/uuid"

	"github.com/commontrace/commontrace/internal/model"
)

// classifyConvergenceLevel derives a cluster's convergence level from
// the member fingerprints:
//
//	0  universal       (cross-language)
//	2  stack-agnostic  (one language, several frameworks)
//	3  env-agnostic    (one language and framework, several OSes)
//	4  contextual      (single context, or no context at all)
//
// Level 1 (ecosystem) is reserved for language-family grouping and is
// never emitted by this classifier.
func classifyConvergenceLevel(fingerprints []model.Fingerprint) int {
	if len(fingerprints) == 0 {
		return 4
	}

	languages := map[string]struct{}{}
	frameworks := map[string]struct{}{}
	oses := map[string]struct{}{}
	for _, fp := range fingerprints {
		if v := fp[model.FPLanguage]; v != "" {
			languages[v] = struct{}{}
		}
		if v := fp[model.FPFramework]; v != "" {
			frameworks[v] = struct{}{}
		}
		if v := fp[model.FPOS]; v != "" {
			oses[v] = struct{}{}
		}
	}

	switch {
	case len(languages) > 1:
		return 0
	case len(languages) == 1 && len(frameworks) > 1:
		return 2
	case len(languages) <= 1 && len(frameworks) <= 1 && len(oses) > 1:
		return 3
	default:
		return 4
	}
}

// detectConvergence greedily clusters unclustered embedded traces with
// their near neighbors (cosine distance below the cluster threshold).
// A seed whose neighborhood touches an existing cluster joins it,
// otherwise a fresh cluster id is minted. The level is reclassified
// from the whole cluster's fingerprints and propagated to every member.
func (s *Service) detectConvergence(ctx context.Context) (int, error) {
	seeds, err := s.db.UnclusteredEmbedded(ctx, clusterSeedBatch)
	if err != nil {
		return 0, err
	}

	clustered := 0
	claimed := map[uuid.UUID]struct{}{}
	for _, seed := range seeds {
		if _, ok := claimed[seed.ID]; ok {
			continue
		}

		neighbors, err := s.db.EmbeddedNeighbors(ctx, seed.ID, clusterDistance, clusterNeighbors)
		if err != nil {
			return clustered, err
		}
		if len(neighbors) == 0 {
			continue
		}

		var clusterID uuid.UUID
		joining := false
		for _, n := range neighbors {
			if n.ClusterID != nil {
				clusterID = *n.ClusterID
				joining = true
				break
			}
		}
		if !joining {
			clusterID = uuid.New()
		}

		fingerprints := make([]model.Fingerprint, 0, len(neighbors)+1)
		if len(seed.ContextFingerprint) > 0 {
			fingerprints = append(fingerprints, seed.ContextFingerprint)
		}
		newMembers := []uuid.UUID{seed.ID}
		for _, n := range neighbors {
			if len(n.Fingerprint) > 0 {
				fingerprints = append(fingerprints, n.Fingerprint)
			}
			if n.ClusterID == nil {
				newMembers = append(newMembers, n.ID)
			}
		}
		if joining {
			existing, err := s.db.ClusterFingerprints(ctx, clusterID)
			if err != nil {
				return clustered, err
			}
			fingerprints = append(fingerprints, existing...)
		}

		level := classifyConvergenceLevel(fingerprints)
		if err := s.db.AssignCluster(ctx, newMembers, clusterID, level); err != nil {
			return clustered, err
		}
		if err := s.db.SetClusterLevel(ctx, clusterID, level); err != nil {
			return clustered, err
		}

		for _, id := range newMembers {
			claimed[id] = struct{}{}
		}
		clustered += len(newMembers)
		s.logger.Info("convergence cluster updated",
			"cluster_id", clusterID, "level", level, "new_members", len(newMembers))
	}
	return clustered, nil
}
