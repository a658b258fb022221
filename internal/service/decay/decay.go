// Package decay implements temporal relevance decay for traces.
//
// Knowledge about fast-moving ecosystems goes stale quickly; infrastructure
// knowledge barely moves. Each trace carries a half-life in days chosen
// from its tags, and its score decays exponentially from the last moment
// it was useful.
package decay

import (
	"math"
	"strings"
	"time"
)

// DefaultHalfLifeDays applies when no tag matches a known ecosystem.
const DefaultHalfLifeDays = 365

// Floor is the minimum decay factor. Old knowledge is discounted, never
// erased from ranking entirely.
const Floor = 0.3

// halfLifeByTag maps ecosystem tags to half-lives in days.
var halfLifeByTag = map[string]int{
	"react":      180,
	"vue":        180,
	"next":       180,
	"nextjs":     180,
	"nuxt":       180,
	"svelte":     180,
	"angular":    180,
	"tailwind":   270,
	"css":        270,
	"python":     365,
	"go":         365,
	"golang":     365,
	"java":       365,
	"rust":       365,
	"ruby":       365,
	"php":        365,
	"node":       365,
	"typescript": 365,
	"javascript": 365,
	"django":     365,
	"rails":      365,
	"spring":     365,
	"laravel":    365,
	"express":    365,
	"fastapi":    365,
	"flask":      365,
	"docker":     730,
	"kubernetes": 730,
	"postgres":   730,
	"postgresql": 730,
	"redis":      730,
	"nginx":      730,
	"linux":      730,
	"terraform":  730,
	"git":        730,
	"aws":        548,
	"gcp":        548,
	"azure":      548,
}

// HalfLifeForTags picks the half-life for a trace from its tags. When
// several tags match, the shortest half-life wins: a React-on-Kubernetes
// trace is only as durable as its React half.
func HalfLifeForTags(tags []string) int {
	best := 0
	for _, tag := range tags {
		if hl, ok := halfLifeByTag[strings.ToLower(strings.TrimSpace(tag))]; ok {
			if best == 0 || hl < best {
				best = hl
			}
		}
	}
	if best == 0 {
		return DefaultHalfLifeDays
	}
	return best
}

// Factor computes the decay multiplier for a trace at the given instant.
// Age is measured from the later of creation and last retrieval, so a
// trace that keeps getting retrieved keeps getting refreshed.
func Factor(createdAt time.Time, lastRetrievedAt *time.Time, halfLifeDays int, now time.Time) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	anchor := createdAt
	if lastRetrievedAt != nil && lastRetrievedAt.After(anchor) {
		anchor = *lastRetrievedAt
	}
	ageDays := now.Sub(anchor).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	f := math.Pow(2, -ageDays/float64(halfLifeDays))
	if f < Floor {
		return Floor
	}
	return f
}
