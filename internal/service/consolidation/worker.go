package consolidation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Worker drives the sleep cycle on a fixed cadence. One cycle runs
// shortly after startup so a freshly deployed service doesn't wait a
// full interval for its first consolidation.
type Worker struct {
	svc      *Service
	interval time.Duration

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	lastCycle  atomic.Int64 // unix seconds of the last completed cycle, for health
}

// NewWorker wraps a consolidation service in a periodic runner.
func NewWorker(svc *Service, interval time.Duration) *Worker {
	return &Worker{
		svc:      svc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the cycle loop. Safe to call only once; later calls are
// no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.svc.logger.Warn("consolidation worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.loop(loopCtx)
}

// Drain stops the loop and blocks until the in-flight cycle (if any)
// returns or the context expires. Unlike search side-effects, a cycle
// is never restarted at drain time: the idempotency gate makes the next
// process pick the work up instead.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.svc.logger.Warn("consolidation worker: drain timed out")
	}
}

// Healthy reports whether a cycle has completed within two intervals.
func (w *Worker) Healthy() bool {
	last := w.lastCycle.Load()
	if last == 0 {
		return w.started.Load()
	}
	return time.Since(time.Unix(last, 0)) < 2*w.interval
}

func (w *Worker) loop(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })

	// Initial delay lets migrations and the pool warm up.
	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}
	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()
	if _, err := w.svc.RunCycle(cycleCtx); err != nil {
		w.svc.logger.Error("consolidation worker: cycle failed", "error", err)
		return
	}
	w.lastCycle.Store(time.Now().Unix())
}
