package decay

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHalfLifeForTags(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want int
	}{
		{"frontend framework", []string{"react"}, 180},
		{"infrastructure", []string{"docker"}, 730},
		{"cloud", []string{"aws"}, 548},
		{"shortest wins", []string{"kubernetes", "react"}, 180},
		{"case insensitive", []string{"React"}, 180},
		{"unknown tag", []string{"cooking"}, DefaultHalfLifeDays},
		{"no tags", nil, DefaultHalfLifeDays},
		{"css", []string{"css"}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HalfLifeForTags(tt.tags))
		})
	}
}

func TestFactorFreshTrace(t *testing.T) {
	now := time.Now()
	assert.InDelta(t, 1.0, Factor(now, nil, 365, now), 1e-9)
}

func TestFactorOneHalfLife(t *testing.T) {
	now := time.Now()
	created := now.AddDate(0, 0, -365)
	assert.InDelta(t, 0.5, Factor(created, nil, 365, now), 1e-6)
}

func TestFactorFloor(t *testing.T) {
	now := time.Now()
	created := now.AddDate(-20, 0, 0)
	assert.Equal(t, Floor, Factor(created, nil, 180, now))
}

func TestFactorRetrievalRefreshesAnchor(t *testing.T) {
	now := time.Now()
	created := now.AddDate(-2, 0, 0)
	retrieved := now.AddDate(0, 0, -30)

	stale := Factor(created, nil, 365, now)
	fresh := Factor(created, &retrieved, 365, now)

	assert.Greater(t, fresh, stale)
	assert.InDelta(t, math.Pow(2, -30.0/365.0), fresh, 1e-6)
}

func TestFactorFutureAnchorClamped(t *testing.T) {
	now := time.Now()
	created := now.Add(time.Hour)
	assert.InDelta(t, 1.0, Factor(created, nil, 365, now), 1e-9)
}
