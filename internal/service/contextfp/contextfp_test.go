package contextfp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/commontrace/commontrace/internal/model"
)

func TestBuildFromMetadata(t *testing.T) {
	fp := Build(map[string]any{
		"language":  "Python",
		"framework": "FastAPI",
	}, nil)
	assert.Equal(t, "python", fp[model.FPLanguage])
	assert.Equal(t, "fastapi", fp[model.FPFramework])
}

func TestBuildFromTags(t *testing.T) {
	fp := Build(nil, []string{"typescript", "react", "docker", "npm"})
	assert.Equal(t, "typescript", fp[model.FPLanguage])
	assert.Equal(t, "react", fp[model.FPFramework])
	assert.Equal(t, "docker", fp[model.FPEnvironment])
	assert.Equal(t, "npm", fp[model.FPPackageManager])
}

func TestBuildMetadataWinsOverTags(t *testing.T) {
	fp := Build(map[string]any{"language": "go"}, []string{"python"})
	assert.Equal(t, "go", fp[model.FPLanguage])
}

func TestBuildIgnoresUnknownTags(t *testing.T) {
	fp := Build(nil, []string{"debugging", "flaky-test"})
	assert.Empty(t, fp)
}

func TestStringParseRoundTrip(t *testing.T) {
	fp := model.Fingerprint{
		model.FPLanguage:  "python",
		model.FPFramework: "django",
		model.FPOS:        "linux",
	}
	s := String(fp)
	assert.Equal(t, "language:python framework:django os:linux", s)
	assert.Equal(t, fp, Parse(s))
}

func TestParseDropsUnknownKeys(t *testing.T) {
	fp := Parse("language:go editor:vim")
	assert.Equal(t, model.Fingerprint{model.FPLanguage: "go"}, fp)
}

func TestAlignmentIdentical(t *testing.T) {
	fp := model.Fingerprint{
		model.FPLanguage:  "python",
		model.FPFramework: "django",
	}
	assert.InDelta(t, 1.0, Alignment(fp, fp), 1e-9)
}

func TestAlignmentDisjoint(t *testing.T) {
	a := model.Fingerprint{model.FPLanguage: "python"}
	b := model.Fingerprint{model.FPLanguage: "go"}
	assert.Zero(t, Alignment(a, b))
}

func TestAlignmentPartial(t *testing.T) {
	a := model.Fingerprint{
		model.FPLanguage:  "python", // 0.30, matches
		model.FPFramework: "django", // 0.25, mismatch
		model.FPOS:        "linux",  // 0.15, matches
	}
	b := model.Fingerprint{
		model.FPLanguage:  "python",
		model.FPFramework: "flask",
		model.FPOS:        "linux",
	}
	// (0.30 + 0.15) / (0.30 + 0.25 + 0.15)
	assert.InDelta(t, 0.45/0.70, Alignment(a, b), 1e-9)
}

func TestAlignmentMissingFacetCountsAgainstDenominator(t *testing.T) {
	a := model.Fingerprint{model.FPLanguage: "python", model.FPOS: "linux"}
	b := model.Fingerprint{model.FPLanguage: "python"}
	// os present only on one side: denominator includes it, numerator doesn't.
	assert.InDelta(t, 0.30/0.45, Alignment(a, b), 1e-9)
}

func TestAlignmentBothEmpty(t *testing.T) {
	assert.Zero(t, Alignment(model.Fingerprint{}, model.Fingerprint{}))
}
