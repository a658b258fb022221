package consolidation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commontrace/commontrace/internal/model"
)

func TestClassifyConvergenceLevelUniversal(t *testing.T) {
	fps := []model.Fingerprint{
		{"language": "python", "framework": "fastapi"},
		{"language": "go", "framework": "gin"},
	}
	assert.Equal(t, 0, classifyConvergenceLevel(fps))
}

func TestClassifyConvergenceLevelStackAgnostic(t *testing.T) {
	fps := []model.Fingerprint{
		{"language": "python", "framework": "fastapi"},
		{"language": "python", "framework": "django"},
	}
	assert.Equal(t, 2, classifyConvergenceLevel(fps))
}

func TestClassifyConvergenceLevelEnvAgnostic(t *testing.T) {
	fps := []model.Fingerprint{
		{"language": "python", "framework": "fastapi", "os": "linux"},
		{"language": "python", "framework": "fastapi", "os": "macos"},
	}
	assert.Equal(t, 3, classifyConvergenceLevel(fps))
}

func TestClassifyConvergenceLevelContextual(t *testing.T) {
	assert.Equal(t, 4, classifyConvergenceLevel(nil))
	assert.Equal(t, 4, classifyConvergenceLevel([]model.Fingerprint{{}}))
	assert.Equal(t, 4, classifyConvergenceLevel([]model.Fingerprint{
		{"language": "python", "framework": "fastapi", "os": "linux"},
		{"language": "python", "framework": "fastapi", "os": "linux"},
	}))
}

func memberTrace(trust float64, title, ctxText, solText string, tags ...string) model.Trace {
	return model.Trace{
		ID:           uuid.New(),
		Title:        title,
		ContextText:  ctxText,
		SolutionText: solText,
		TrustScore:   trust,
		TraceType:    model.TypeEpisodic,
		ImpactLevel:  model.ImpactNormal,
		Tags:         tags,
	}
}

func TestBuildPatternContent(t *testing.T) {
	members := []model.Trace{
		memberTrace(2.0, "Fix pool exhaustion", "ctx one", "raise pool size", "postgres", "pooling"),
		memberTrace(1.0, "Pool tuning", "ctx two", "use pgbouncer", "postgres"),
		memberTrace(0.5, "Connection errors", "ctx three", "raise pool size", "postgres", "errors"),
	}

	p := buildPattern(members)

	assert.Equal(t, "Pattern: Fix pool exhaustion", p.Title)
	assert.Contains(t, p.ContextText, "Observed across 3 traces")
	assert.Contains(t, p.ContextText, "ctx one")
	assert.Contains(t, p.ContextText, "ctx three")

	// The exemplar solution leads; only differing solutions become
	// alternatives, so the duplicate third solution is absent.
	assert.True(t, strings.HasPrefix(p.SolutionText, "raise pool size"))
	assert.Contains(t, p.SolutionText, "Alternative approaches:")
	assert.Contains(t, p.SolutionText, "use pgbouncer")
	assert.Equal(t, 1, strings.Count(p.SolutionText, "raise pool size"))

	assert.Equal(t, model.TypePattern, p.TraceType)
	assert.Equal(t, model.StatusValidated, p.Status)
	assert.Equal(t, model.SystemUserID, p.ContributorID)
	require.NotNil(t, p.MemoryTemperature)
	assert.Equal(t, model.TempWarm, *p.MemoryTemperature)
	// 0.8 of the average member trust.
	assert.InDelta(t, 0.8*(2.0+1.0+0.5)/3, p.TrustScore, 1e-9)
	assert.Equal(t, []string{"postgres", "errors", "pooling"}, p.Tags)
}

func TestBuildPatternTitleTruncated(t *testing.T) {
	members := []model.Trace{
		memberTrace(1, strings.Repeat("x", 600), "c", "s"),
		memberTrace(1, "b", "c", "s"),
		memberTrace(1, "a", "c", "s"),
	}
	p := buildPattern(members)
	assert.Len(t, p.Title, titleMaxLen)
	assert.True(t, strings.HasSuffix(p.Title, "..."))
}

func TestBuildPatternAggregatesClassification(t *testing.T) {
	a := memberTrace(1, "a", "c", "s1")
	a.DepthScore = 1
	a.SomaticIntensity = 0.2
	a.ImpactLevel = model.ImpactLow
	b := memberTrace(1, "b", "c", "s2")
	b.DepthScore = 4
	b.SomaticIntensity = 0.9
	b.ImpactLevel = model.ImpactCritical
	c := memberTrace(1, "c", "c", "s3")
	c.DepthScore = 2
	c.SomaticIntensity = 0.5

	p := buildPattern([]model.Trace{a, b, c})
	assert.Equal(t, 4, p.DepthScore)
	assert.Equal(t, 0.9, p.SomaticIntensity)
	assert.Equal(t, model.ImpactCritical, p.ImpactLevel)
}

func TestTopMemberTagsFrequencyThenName(t *testing.T) {
	members := []model.Trace{
		memberTrace(1, "a", "c", "s", "go", "redis"),
		memberTrace(1, "b", "c", "s", "go", "postgres"),
		memberTrace(1, "c", "c", "s", "go", "postgres", "redis"),
	}
	tags := topMemberTags(members, 2)
	assert.Equal(t, []string{"go", "postgres"}, tags)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	out := truncate(strings.Repeat("a", 20), 10)
	assert.Len(t, out, 10)
	assert.True(t, strings.HasSuffix(out, "..."))
}
