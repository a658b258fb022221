// Package maturity maps corpus size to network maturity tiers.
//
// A young knowledge base should accept traces eagerly and decay nothing;
// a mature one can afford stricter validation and gentle trust erosion.
package maturity

// Tier is the growth stage of the trace corpus.
type Tier string

const (
	TierSeed    Tier = "SEED"
	TierGrowing Tier = "GROWING"
	TierMature  Tier = "MATURE"
)

// TierForCount classifies the corpus by total trace count.
func TierForCount(traces int64) Tier {
	switch {
	case traces < 1_000:
		return TierSeed
	case traces < 100_000:
		return TierGrowing
	default:
		return TierMature
	}
}

// ValidationThreshold is the confirmation count a pending trace needs
// before promotion to validated.
func ValidationThreshold(t Tier) int {
	switch t {
	case TierSeed:
		return 1
	case TierGrowing:
		return 2
	default:
		return 3
	}
}

// DecayFactor is the per-cycle multiplier applied to positive trust
// scores by the consolidation worker. SEED networks don't decay.
func DecayFactor(t Tier) float64 {
	switch t {
	case TierSeed:
		return 1.0
	case TierGrowing:
		return 0.995
	default:
		return 0.990
	}
}
