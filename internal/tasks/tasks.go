// Package tasks runs tracked fire-and-forget background work.
//
// Search side-effects (counter bumps, retrieval logs, co-retrieval edges)
// must not block or fail the response, but they also must not be dropped
// by process exit mid-write. The Tracker detaches each task from the
// request context, caps in-flight work, and drains at shutdown.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commontrace/commontrace/internal/metrics"
)

// Tracker owns the process's fire-and-forget tasks.
type Tracker struct {
	logger      *slog.Logger
	taskTimeout time.Duration
	sem         chan struct{}
	wg          sync.WaitGroup
	draining    atomic.Bool
}

// NewTracker creates a tracker allowing maxInFlight concurrent tasks.
func NewTracker(logger *slog.Logger, maxInFlight int, taskTimeout time.Duration) *Tracker {
	if maxInFlight < 1 {
		maxInFlight = 64
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	return &Tracker{
		logger:      logger,
		taskTimeout: taskTimeout,
		sem:         make(chan struct{}, maxInFlight),
	}
}

// Go runs fn on a background goroutine detached from the caller's context,
// so request cancellation never cancels a side-effect. Under backpressure
// (all slots busy) or during drain the task is logged and dropped: these
// are best-effort at-most-once writes.
func (t *Tracker) Go(name string, fn func(ctx context.Context) error) {
	if t.draining.Load() {
		t.drop(name, "tracker draining")
		return
	}
	select {
	case t.sem <- struct{}{}:
	default:
		t.drop(name, "in-flight cap reached")
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.sem }()
		defer func() {
			if r := recover(); r != nil {
				metrics.SideEffectFailures.Inc()
				t.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.taskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			metrics.SideEffectFailures.Inc()
			t.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Drain stops accepting new tasks and waits for in-flight ones until the
// context expires.
func (t *Tracker) Drain(ctx context.Context) {
	t.draining.Store(true)
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Warn("task tracker: drain timed out")
	}
}

func (t *Tracker) drop(name, reason string) {
	metrics.SideEffectFailures.Inc()
	t.logger.Warn("background task dropped", "task", name, "reason", reason)
}
