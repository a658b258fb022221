package tasks

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestGoRunsTask(t *testing.T) {
	tr := NewTracker(discardLogger(), 4, time.Second)
	var ran atomic.Bool
	tr.Go("test", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	tr.Drain(context.Background())
	assert.True(t, ran.Load())
}

func TestGoDropsOnBackpressure(t *testing.T) {
	tr := NewTracker(discardLogger(), 1, time.Second)
	release := make(chan struct{})
	tr.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	})

	var ran atomic.Bool
	tr.Go("dropped", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	close(release)
	tr.Drain(context.Background())
	assert.False(t, ran.Load(), "task beyond the in-flight cap must be dropped")
}

func TestGoAfterDrainIsDropped(t *testing.T) {
	tr := NewTracker(discardLogger(), 4, time.Second)
	tr.Drain(context.Background())

	var ran atomic.Bool
	tr.Go("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestDrainWaitsForInFlight(t *testing.T) {
	tr := NewTracker(discardLogger(), 4, time.Second)
	var done atomic.Bool
	tr.Go("slow", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	})
	tr.Drain(context.Background())
	assert.True(t, done.Load())
}

func TestPanicDoesNotKillTracker(t *testing.T) {
	tr := NewTracker(discardLogger(), 4, time.Second)
	tr.Go("panics", func(ctx context.Context) error {
		panic("boom")
	})
	var ran atomic.Bool
	tr.Go("after", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	tr.Drain(context.Background())
	assert.True(t, ran.Load())
}
