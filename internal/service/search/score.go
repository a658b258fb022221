package search

import (
	"math"
	"time"

	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/service/contextfp"
	"github.com/commontrace/commontrace/internal/service/decay"
	"github.com/commontrace/commontrace/internal/service/temperature"
)

// baseScore computes the multi-factor ranking score for one trace:
//
//	score = sim · trust · depth · decay · ctx · conv · temp · validity
//
// sim is 1-cosine_distance on the semantic path and 1 on the tag-only
// path (where similarity is unknowable, not zero-relevant).
func baseScore(t *model.Trace, sim float64, searcherFP model.Fingerprint, now time.Time) float64 {
	trust := math.Log(1 + math.Max(0, t.TrustScore) + 1)
	depth := 1 + 0.1*float64(t.DepthScore)

	halfLife := decay.DefaultHalfLifeDays
	if t.HalfLifeDays != nil && *t.HalfLifeDays > 0 {
		halfLife = *t.HalfLifeDays
	}
	dec := decay.Factor(t.CreatedAt, t.LastRetrievedAt, halfLife, now)

	ctxFactor := 1.0
	if len(searcherFP) > 0 && len(t.ContextFingerprint) > 0 {
		ctxFactor = 1 + 0.3*contextfp.Alignment(searcherFP, t.ContextFingerprint)
	}

	conv := 1.0
	if t.ConvergenceLevel != nil {
		conv = 1 + 0.05*float64(4-*t.ConvergenceLevel)
	}

	temp := temperature.Multiplier(t.MemoryTemperature)

	validity := 1.0
	if t.ValidUntil != nil && t.ValidUntil.Before(now) {
		validity = 0.5
	}

	return sim * trust * depth * dec * ctxFactor * conv * temp * validity
}
