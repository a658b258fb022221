package embedding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/storage"
)

// Worker polls for traces with null embeddings and fills them. Batches are
// claimed with FOR UPDATE SKIP LOCKED, so multiple replicas can run the
// worker concurrently without double-embedding.
type Worker struct {
	db           *storage.DB
	provider     Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
	lastPoll   atomic.Int64         // unix seconds of the last completed poll, for health
}

// NewWorker creates an embedding worker.
func NewWorker(db *storage.DB, provider Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		db:           db,
		provider:     provider,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("embedding worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, runs one final poll, and blocks
// until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("embedding worker: drain timed out")
	}
}

// Healthy reports whether the poll loop has run recently.
func (w *Worker) Healthy() bool {
	last := w.lastPoll.Load()
	if last == 0 {
		return w.started.Load()
	}
	return time.Since(time.Unix(last, 0)) < 3*w.pollInterval
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	processed, err := w.db.ProcessUnembedded(ctx, w.batchSize, w.embedTrace)
	w.lastPoll.Store(time.Now().Unix())
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			// No backend: abandon the batch, keep polling. Traces stay
			// pending with null embeddings until one is configured.
			return
		}
		w.logger.Error("embedding worker: process batch", "error", err)
		return
	}
	if processed > 0 {
		metrics.TracesEmbedded.Add(float64(processed))
		w.logger.Info("embedding worker: batch embedded", "count", processed)
	}
}

// embedTrace fills the vector fields of one claimed trace. The combined
// embedding is mandatory; solution and context embeddings are best-effort
// refinements used for contradiction detection and context matching.
func (w *Worker) embedTrace(ctx context.Context, t *model.Trace) error {
	text := t.Title + "\n" + t.ContextText + "\n" + t.SolutionText
	vec, err := w.provider.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return err
		}
		// Leave the embedding null; a later poll retries this trace.
		w.logger.Warn("embedding worker: embed trace", "trace_id", t.ID, "error", err)
		return nil
	}
	t.Embedding = &vec

	if solVec, err := w.provider.Embed(ctx, t.SolutionText); err == nil {
		t.SolutionEmbedding = &solVec
	}
	if ctxVec, err := w.provider.Embed(ctx, t.ContextText); err == nil {
		t.ContextEmbedding = &ctxVec
	}

	modelID := w.provider.ModelID()
	t.EmbeddingModelID = &modelID
	if v := w.provider.ModelVersion(); v != "" {
		t.EmbeddingModelVersion = &v
	}
	return nil
}
