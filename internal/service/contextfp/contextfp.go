// Package contextfp builds and compares environment fingerprints.
//
// A fingerprint is a small map of recognized environment facets
// (language, framework, OS, package manager, runtime, environment kind)
// extracted from a trace's metadata and tags. Search uses a weighted
// Jaccard overlap between the caller's fingerprint and each trace's to
// prefer knowledge from a matching environment.
package contextfp

import (
	"sort"
	"strings"

	"github.com/commontrace/commontrace/internal/model"
)

// weights per facet. Language dominates: a Python fix rarely transfers to
// Go no matter how similar the rest of the stack looks.
var weights = map[string]float64{
	model.FPLanguage:       0.30,
	model.FPFramework:      0.25,
	model.FPOS:             0.15,
	model.FPPackageManager: 0.10,
	model.FPRuntime:        0.10,
	model.FPEnvironment:    0.10,
}

// knownValues maps each facet to the tag values recognized for it.
var knownValues = map[string]map[string]bool{
	model.FPLanguage: set("python", "javascript", "typescript", "go", "golang",
		"rust", "java", "ruby", "php", "c", "cpp", "csharp", "swift", "kotlin", "elixir", "scala"),
	model.FPFramework: set("react", "vue", "angular", "svelte", "next", "nextjs", "nuxt",
		"django", "rails", "fastapi", "flask", "express", "spring", "laravel", "gin", "phoenix"),
	model.FPOS: set("linux", "macos", "windows", "ubuntu", "debian", "alpine", "fedora", "arch"),
	model.FPPackageManager: set("npm", "yarn", "pnpm", "pip", "poetry", "uv",
		"cargo", "gem", "bundler", "composer", "maven", "gradle"),
	model.FPRuntime:     set("node", "deno", "bun", "cpython", "pypy", "jvm", "dotnet"),
	model.FPEnvironment: set("docker", "kubernetes", "ci", "local", "production", "staging", "serverless", "lambda"),
}

func set(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Build extracts a fingerprint from trace metadata and tags. Metadata wins
// when both sources claim a facet; tags fill the rest by matching known
// value sets.
func Build(metadata map[string]any, tags []string) model.Fingerprint {
	fp := model.Fingerprint{}
	for _, key := range model.FingerprintKeys {
		if v, ok := metadata[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				fp[key] = strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	for _, tag := range tags {
		norm := strings.ToLower(strings.TrimSpace(tag))
		for _, key := range model.FingerprintKeys {
			if _, taken := fp[key]; taken {
				continue
			}
			if knownValues[key][norm] {
				fp[key] = norm
				break
			}
		}
	}
	return fp
}

// String renders a fingerprint as a stable "key:value key:value" line in
// canonical facet order. Parse reverses it.
func String(fp model.Fingerprint) string {
	parts := make([]string, 0, len(fp))
	for _, key := range model.FingerprintKeys {
		if v, ok := fp[key]; ok && v != "" {
			parts = append(parts, key+":"+v)
		}
	}
	return strings.Join(parts, " ")
}

// Parse reads the String form back into a fingerprint. Unrecognized keys
// are dropped.
func Parse(s string) model.Fingerprint {
	fp := model.Fingerprint{}
	for _, part := range strings.Fields(s) {
		key, val, ok := strings.Cut(part, ":")
		if !ok || val == "" {
			continue
		}
		if _, known := weights[key]; known {
			fp[key] = val
		}
	}
	return fp
}

// Alignment computes the weighted Jaccard overlap of two fingerprints in
// [0, 1]. Only facets present in at least one side count toward the
// denominator, so missing information is not punished. Two empty
// fingerprints align at zero.
func Alignment(a, b model.Fingerprint) float64 {
	var num, denom float64
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		w, known := weights[k]
		if !known {
			continue
		}
		denom += w
		av, aok := a[k]
		bv, bok := b[k]
		if aok && bok && strings.EqualFold(av, bv) {
			num += w
		}
	}
	if denom == 0 {
		return 0
	}
	return num / denom
}
