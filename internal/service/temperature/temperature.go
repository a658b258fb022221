// Package temperature classifies traces into memory temperature bands.
//
// Temperature is a coarse access-recency signal recomputed by the
// consolidation worker and folded into search ranking as a small
// multiplier. Hot traces get a boost, frozen ones a penalty, but nothing
// is ever excluded on temperature alone.
package temperature

import (
	"time"

	"github.com/commontrace/commontrace/internal/model"
)

// multipliers applied to the combined search score per band.
var multipliers = map[model.Temperature]float64{
	model.TempHot:    1.15,
	model.TempWarm:   1.05,
	model.TempCool:   1.0,
	model.TempCold:   0.85,
	model.TempFrozen: 0.70,
}

// Multiplier returns the ranking multiplier for a temperature. A nil or
// unknown temperature is neutral.
func Multiplier(temp *model.Temperature) float64 {
	if temp == nil {
		return 1.0
	}
	if m, ok := multipliers[*temp]; ok {
		return m
	}
	return 1.0
}

// Classify assigns a temperature from trust, retrieval history, and age.
// staleAgeDays is the idle cutoff for freezing a distrusted trace; values
// below 1 fall back to 180. Rules are evaluated top to bottom; the first
// match wins:
//
//	FROZEN  trust below -1 and never retrieved, or idle past staleAgeDays
//	COLD    trust below 0
//	COLD    idle over 90 days, or never retrieved and older than 90 days
//	HOT     retrieval rate above 0.1/day, or retrieved within 7 days
//	WARM    retrieved within 30 days
//	COOL    retrieved within 90 days
//	WARM    never retrieved but younger than 30 days
//	COOL    everything else
func Classify(trustScore float64, retrievalCount int, lastRetrievedAt *time.Time, createdAt time.Time, now time.Time, staleAgeDays int) model.Temperature {
	if staleAgeDays < 1 {
		staleAgeDays = 180
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	var daysSinceRetrieval float64
	retrieved := lastRetrievedAt != nil
	if retrieved {
		daysSinceRetrieval = now.Sub(*lastRetrievedAt).Hours() / 24
	}

	if trustScore < -1 && (!retrieved || daysSinceRetrieval > float64(staleAgeDays)) {
		return model.TempFrozen
	}
	if trustScore < 0 {
		return model.TempCold
	}
	if (retrieved && daysSinceRetrieval > 90) || (!retrieved && ageDays > 90) {
		return model.TempCold
	}
	if ageDays > 0 && float64(retrievalCount)/ageDays > 0.1 {
		return model.TempHot
	}
	if retrieved && daysSinceRetrieval <= 7 {
		return model.TempHot
	}
	if retrieved && daysSinceRetrieval <= 30 {
		return model.TempWarm
	}
	if retrieved && daysSinceRetrieval <= 90 {
		return model.TempCool
	}
	if !retrieved && ageDays <= 30 {
		return model.TempWarm
	}
	return model.TempCool
}
