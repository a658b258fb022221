package consolidation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/commontrace/commontrace/internal/model"
)

const (
	synthesisMinMembers = 3
	synthesisMinTrust   = 0.5
	synthesisMaxMembers = 20
	synthesisTrustShare = 0.8

	titleMaxLen          = 500
	contextSnippetMaxLen = 300
	solutionSnippetLen   = 200
	patternMaxTags       = 10
)

// synthesizePatterns generates a pattern trace for every qualifying
// cluster: at least three episodic unflagged members averaging trust
// 0.5 or better, with no pattern synthesized for it yet. Content is
// assembled structurally from the members, never from a language model.
func (s *Service) synthesizePatterns(ctx context.Context) (int, error) {
	clusters, err := s.db.SynthesisClusters(ctx, synthesisMinMembers, synthesisMinTrust)
	if err != nil {
		return 0, err
	}

	generated := 0
	for _, clusterID := range clusters {
		members, err := s.db.ClusterMembers(ctx, clusterID)
		if err != nil {
			return generated, err
		}
		if len(members) > synthesisMaxMembers {
			members = members[:synthesisMaxMembers]
		}
		if len(members) < synthesisMinMembers {
			continue
		}

		pattern := buildPattern(members)
		cid := clusterID
		pattern.ConvergenceClusterID = &cid

		created, err := s.db.CreateTraceTx(ctx, pattern, nil)
		if err != nil {
			return generated, err
		}
		for _, m := range members {
			if err := s.db.SetRelationship(ctx, created.ID, m.ID, model.RelPatternSource, 1); err != nil {
				return generated, err
			}
		}

		generated++
		s.logger.Info("pattern trace generated",
			"cluster_id", clusterID, "pattern_id", created.ID, "members", len(members))
	}
	return generated, nil
}

// buildPattern assembles the pattern trace content from cluster members,
// which arrive ordered by trust so members[0] is the exemplar.
func buildPattern(members []model.Trace) model.Trace {
	exemplar := members[0]
	top := members
	if len(top) > 3 {
		top = top[:3]
	}

	title := truncate("Pattern: "+exemplar.Title, titleMaxLen)

	var ctxb strings.Builder
	fmt.Fprintf(&ctxb, "Observed across %d traces in convergence cluster.\n\nRepresentative contexts:", len(members))
	for i, m := range top {
		fmt.Fprintf(&ctxb, "\n\n%d. %s", i+1, truncate(m.ContextText, contextSnippetMaxLen))
	}

	var solb strings.Builder
	solb.WriteString(exemplar.SolutionText)
	wroteHeader := false
	for _, m := range top[1:] {
		if m.SolutionText == exemplar.SolutionText {
			continue
		}
		if !wroteHeader {
			solb.WriteString("\n\nAlternative approaches:")
			wroteHeader = true
		}
		solb.WriteString("\n- " + truncate(m.SolutionText, solutionSnippetLen))
	}

	var avgTrust float64
	maxDepth := 0
	maxSomatic := 0.0
	impact := model.ImpactNormal
	for _, m := range members {
		avgTrust += m.TrustScore
		if m.DepthScore > maxDepth {
			maxDepth = m.DepthScore
		}
		if m.SomaticIntensity > maxSomatic {
			maxSomatic = m.SomaticIntensity
		}
		impact = model.MaxImpact(impact, m.ImpactLevel)
	}
	avgTrust /= float64(len(members))

	warm := model.TempWarm
	return model.Trace{
		Title:             title,
		ContextText:       ctxb.String(),
		SolutionText:      solb.String(),
		ContributorID:     model.SystemUserID,
		Status:            model.StatusValidated,
		TrustScore:        avgTrust * synthesisTrustShare,
		TraceType:         model.TypePattern,
		ConvergenceLevel:  exemplar.ConvergenceLevel,
		DepthScore:        maxDepth,
		SomaticIntensity:  maxSomatic,
		ImpactLevel:       impact,
		MemoryTemperature: &warm,
		Tags:              topMemberTags(members, patternMaxTags),
		Metadata: map[string]any{
			"source_count": len(members),
			"exemplar_id":  exemplar.ID.String(),
		},
	}
}

// topMemberTags returns the most frequent member tags, ties broken
// alphabetically so synthesis output is deterministic.
func topMemberTags(members []model.Trace, limit int) []string {
	counts := map[string]int{}
	for _, m := range members {
		for _, tag := range m.Tags {
			counts[tag]++
		}
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
