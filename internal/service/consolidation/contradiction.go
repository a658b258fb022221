package consolidation

import (
	"context"

	"github.com/commontrace/commontrace/internal/model"
)

// detectContradictions walks every in-cluster pair whose solution
// embeddings diverge beyond the distance threshold. Divergent pairs get
// symmetric ALTERNATIVE_TO edges; when the trust scores also point in
// opposite directions (one clearly endorsed, the other clearly rejected)
// the pair additionally gets symmetric CONTRADICTS edges.
func (s *Service) detectContradictions(ctx context.Context) (alternatives, contradictions int, err error) {
	pairs, err := s.db.ContradictionPairs(ctx, contradictionDistance)
	if err != nil {
		return 0, 0, err
	}

	for _, p := range pairs {
		if err := s.db.SetRelationship(ctx, p.AID, p.BID, model.RelAlternativeTo, 1); err != nil {
			return alternatives, contradictions, err
		}
		if err := s.db.SetRelationship(ctx, p.BID, p.AID, model.RelAlternativeTo, 1); err != nil {
			return alternatives, contradictions, err
		}
		alternatives++

		opposed := (p.ATrust > contradictsHighTrust && p.BTrust < contradictsLowTrust) ||
			(p.BTrust > contradictsHighTrust && p.ATrust < contradictsLowTrust)
		if opposed {
			if err := s.db.SetRelationship(ctx, p.AID, p.BID, model.RelContradicts, 1); err != nil {
				return alternatives, contradictions, err
			}
			if err := s.db.SetRelationship(ctx, p.BID, p.AID, model.RelContradicts, 1); err != nil {
				return alternatives, contradictions, err
			}
			contradictions++
		}
	}
	return alternatives, contradictions, nil
}
