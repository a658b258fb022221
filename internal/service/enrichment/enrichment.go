// Package enrichment derives classification signals from trace content.
//
// Submitted traces arrive with whatever metadata the contributing agent
// bothered to set. This package fills the gaps: language and framework
// detection from the solution text, an encoding depth score, and an
// initial somatic intensity from detection metadata.
package enrichment

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("```(\\w+)")

var fenceAliases = map[string]string{
	"js": "javascript",
	"ts": "typescript",
	"py": "python",
	"rb": "ruby",
	"rs": "rust",
}

// languagePatterns is checked in order; the first language with a matching
// pattern wins. Ordering matters: TypeScript syntax is a superset of
// JavaScript, so it is probed before the generic import check would
// misattribute it.
var languagePatterns = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{"python", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bfrom\s+\w+\s+import\b`),
		regexp.MustCompile(`(?m)\bdef\s+\w+\s*\(`),
	}},
	{"typescript", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\binterface\s+\w+\s*\{`),
		regexp.MustCompile(`(?m):\s*(string|number|boolean|any)\b`),
	}},
	{"javascript", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bconst\s+\w+\s*=\s*require\(`),
		regexp.MustCompile(`(?m)\bimport\s+.*\s+from\s+['"]`),
	}},
	{"rust", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\buse\s+\w+::`),
		regexp.MustCompile(`(?m)\bfn\s+\w+\s*\(`),
	}},
	{"go", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bimport\s+\(`),
		regexp.MustCompile(`(?m)\bfunc\s+\w+\s*\(`),
	}},
	{"python-generic", []*regexp.Regexp{
		regexp.MustCompile(`(?m)\bimport\s+\w+`),
	}},
}

var frameworkPatterns = []struct {
	name     string
	patterns []*regexp.Regexp
}{
	{"fastapi", []*regexp.Regexp{regexp.MustCompile(`(?m)\bfrom\s+fastapi\b|\bimport\s+fastapi\b`)}},
	{"django", []*regexp.Regexp{regexp.MustCompile(`(?m)\bfrom\s+django\b|\bimport\s+django\b`)}},
	{"flask", []*regexp.Regexp{regexp.MustCompile(`(?m)\bfrom\s+flask\b|\bimport\s+flask\b`)}},
	{"react", []*regexp.Regexp{regexp.MustCompile(`(?m)\bimport\s+.*\bfrom\s+['"]react['"]`)}},
	{"vue", []*regexp.Regexp{regexp.MustCompile(`(?m)\bimport\s+.*\bfrom\s+['"]vue['"]`)}},
	{"next", []*regexp.Regexp{regexp.MustCompile(`(?m)\bfrom\s+['"]next/`)}},
	{"express", []*regexp.Regexp{regexp.MustCompile(`(?m)\brequire\(['"]express['"]\)`)}},
	{"sqlalchemy", []*regexp.Regexp{regexp.MustCompile(`(?m)\bfrom\s+sqlalchemy\b|\bimport\s+sqlalchemy\b`)}},
	{"docker", []*regexp.Regexp{regexp.MustCompile(`(?m)\bFROM\s+\S+|\bDockerfile\b`)}},
	{"kubernetes", []*regexp.Regexp{regexp.MustCompile(`(?m)\bapiVersion:\s+\S+|\bkind:\s+(Deployment|Service|Pod)\b`)}},
	{"terraform", []*regexp.Regexp{regexp.MustCompile(`(?m)\bresource\s+"`)}},
	{"postgres", []*regexp.Regexp{regexp.MustCompile(`(?mi)\bCREATE\s+TABLE\b|\bSELECT\s+.*\bFROM\b`)}},
}

// versionRe matches pinned library versions: ==1.2.3, @^1.2.3, :1.2 etc.
var versionRe = regexp.MustCompile(`[=@:^~]\d+\.\d+(?:\.\d+)?`)

// DetectLanguage identifies the primary programming language of a solution.
// Code fences are checked first as the most reliable signal, then syntax
// patterns.
func DetectLanguage(solutionText string) string {
	if m := fenceRe.FindStringSubmatch(solutionText); m != nil {
		lang := strings.ToLower(m[1])
		if canonical, ok := fenceAliases[lang]; ok {
			return canonical
		}
		return lang
	}
	for _, lp := range languagePatterns {
		for _, p := range lp.patterns {
			if p.MatchString(solutionText) {
				return strings.TrimSuffix(lp.name, "-generic")
			}
		}
	}
	return ""
}

// DetectFramework identifies the primary framework via import patterns.
func DetectFramework(solutionText string) string {
	for _, fp := range frameworkPatterns {
		for _, p := range fp.patterns {
			if p.MatchString(solutionText) {
				return fp.name
			}
		}
	}
	return ""
}

// DepthScore rates encoding depth 0-4. Richer traces rank higher: one
// point each for error context, language plus framework or versions, a
// substantial solution, and pinned versions.
func DepthScore(metadata map[string]any, solutionText string) int {
	score := 0
	if s, _ := metadata["error_message"].(string); s != "" {
		score++
	}
	hasLang := stringSet(metadata, "language")
	hasFramework := stringSet(metadata, "framework")
	_, hasVersions := metadata["versions"]
	if hasLang && (hasFramework || hasVersions) {
		score++
	}
	if len(solutionText) > 200 {
		score++
	}
	if versionRe.MatchString(solutionText) {
		score++
	}
	return score
}

// patternBase maps detection patterns (set by the contributing skill's
// stop hook) to base somatic intensity.
var patternBase = map[string]float64{
	"error_resolution":        0.6,
	"security_hardening":      0.8,
	"approach_reversal":       0.5,
	"prediction_error":        0.7,
	"dependency_resolution":   0.4,
	"test_fix_cycle":          0.4,
	"migration_pattern":       0.5,
	"user_correction":         0.5,
	"infra_discovery":         0.4,
	"research_then_implement": 0.3,
	"config_discovery":        0.3,
	"cross_file_breadth":      0.2,
}

// SomaticIntensity rates how intensely the knowledge was learned, 0.0-1.0.
// Harder-won knowledge (more errors, more time, more iterations) gets
// higher retrieval priority.
func SomaticIntensity(metadata map[string]any) float64 {
	pattern, _ := metadata["detection_pattern"].(string)
	intensity, ok := patternBase[pattern]
	if !ok {
		intensity = 0.2
	}

	intensity += min(0.2, number(metadata, "error_count")*0.03)
	intensity += min(0.15, number(metadata, "time_to_resolution_minutes")*0.005)
	intensity += min(0.1, number(metadata, "iteration_count")*0.01)

	return min(1.0, intensity)
}

// AutoEnrich fills language and framework into metadata when the
// contributor didn't set them. Explicit metadata always wins.
func AutoEnrich(metadata map[string]any, solutionText string) map[string]any {
	enriched := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		enriched[k] = v
	}
	if !stringSet(enriched, "language") {
		if lang := DetectLanguage(solutionText); lang != "" {
			enriched["language"] = lang
		}
	}
	if !stringSet(enriched, "framework") {
		if fw := DetectFramework(solutionText); fw != "" {
			enriched["framework"] = fw
		}
	}
	return enriched
}

func stringSet(m map[string]any, key string) bool {
	s, _ := m[key].(string)
	return s != ""
}

// number reads a numeric metadata value tolerating the types JSON decoding
// produces.
func number(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
