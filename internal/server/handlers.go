package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/model"
	"github.com/commontrace/commontrace/internal/service/contextfp"
	"github.com/commontrace/commontrace/internal/service/decay"
	"github.com/commontrace/commontrace/internal/service/embedding"
	"github.com/commontrace/commontrace/internal/service/enrichment"
	"github.com/commontrace/commontrace/internal/service/trust"
	"github.com/commontrace/commontrace/internal/storage"
)

// Searcher runs the retrieval pipeline. It is an interface so handler
// tests can run without a database.
type Searcher interface {
	Search(ctx context.Context, req model.TraceSearchRequest) (model.TraceSearchResponse, error)
}

// Voter applies a vote through the trust state machine.
type Voter interface {
	ApplyVote(ctx context.Context, v model.Vote) (trust.Result, error)
}

// HealthChecker reports whether a background worker is keeping up.
type HealthChecker interface {
	Healthy() bool
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	searcher            Searcher
	voter               Voter
	redis               *redis.Client
	embedWorker         HealthChecker
	consolidationWorker HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Redis, EmbedWorker, ConsolidationWorker.
type HandlersDeps struct {
	DB                  *storage.DB
	Searcher            Searcher
	Voter               Voter
	Redis               *redis.Client
	EmbedWorker         HealthChecker
	ConsolidationWorker HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		searcher:            d.Searcher,
		voter:               d.Voter,
		redis:               d.Redis,
		embedWorker:         d.EmbedWorker,
		consolidationWorker: d.ConsolidationWorker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleSearch handles POST /api/v1/traces/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.TraceSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	resp, err := h.searcher.Search(r.Context(), req)
	if err != nil {
		if errors.Is(err, embedding.ErrNotConfigured) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "semantic search is not available: no embedding provider configured")
			return
		}
		h.logger.Error("search failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "search failed")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleCreateTrace handles POST /api/v1/traces. The trace is accepted
// with a null embedding; the embedding worker fills it in later, so the
// response is a 202 rather than a 201.
func (h *Handlers) HandleCreateTrace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.TraceCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no authenticated agent")
		return
	}

	tags := model.NormalizeTags(req.Tags)
	metadata := enrichment.AutoEnrich(req.Metadata, req.SolutionText)

	impact := model.ImpactNormal
	if req.ImpactLevel != nil {
		impact = *req.ImpactLevel
	}
	halfLife := decay.HalfLifeForTags(tags)
	temp := model.TempWarm

	t := model.Trace{
		Title:              req.Title,
		ContextText:        req.ContextText,
		SolutionText:       req.SolutionText,
		ContributorID:      user.ID,
		Status:             model.StatusPending,
		TraceType:          model.TypeEpisodic,
		DepthScore:         enrichment.DepthScore(metadata, req.SolutionText),
		SomaticIntensity:   enrichment.SomaticIntensity(metadata),
		ImpactLevel:        impact,
		MemoryTemperature:  &temp,
		HalfLifeDays:       &halfLife,
		ReviewAfter:        req.ReviewAfter,
		WatchCondition:     req.WatchCondition,
		ValidFrom:          req.ValidFrom,
		ValidUntil:         req.ValidUntil,
		ContextFingerprint: contextfp.Build(metadata, tags),
		Metadata:           metadata,
		Tags:               tags,
	}

	created, err := h.db.CreateTraceTx(r.Context(), t, req.SupersedesTraceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "supersedes_trace_id does not reference an existing trace")
			return
		}
		h.logger.Error("create trace failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to create trace")
		return
	}

	metrics.TracesCreated.Inc()
	h.logger.Info("trace created",
		"trace_id", created.ID,
		"contributor", user.AgentName,
		"tags", len(tags),
	)

	writeJSON(w, r, http.StatusAccepted, model.TraceAccepted{
		ID:      created.ID,
		Status:  created.Status,
		Message: "trace accepted; embedding is generated asynchronously",
	})
}

// HandleGetTrace handles GET /api/v1/traces/{id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid trace id")
		return
	}

	t, err := h.db.GetTrace(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("trace %s not found", id))
			return
		}
		h.logger.Error("get trace failed", "error", err, "trace_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load trace")
		return
	}

	writeJSON(w, r, http.StatusOK, t)
}

// HandleVote handles POST /api/v1/traces/{id}/votes. The vote and any
// resulting promotion commit atomically; a promotion failure rejects the
// whole vote rather than leaving the trace half-updated.
func (h *Handlers) HandleVote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid trace id")
		return
	}

	var req model.VoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no authenticated agent")
		return
	}

	result, err := h.voter.ApplyVote(r.Context(), model.Vote{
		UserID:       user.ID,
		TraceID:      id,
		VoteType:     req.VoteType,
		FeedbackTag:  req.FeedbackTag,
		FeedbackText: req.FeedbackText,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateVote):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent has already voted on this trace")
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("trace %s not found", id))
		default:
			h.logger.Error("vote failed", "error", err, "trace_id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to record vote")
		}
		return
	}

	metrics.VotesRecorded.WithLabelValues(string(req.VoteType)).Inc()

	writeJSON(w, r, http.StatusOK, model.VoteResponse{
		TraceID:           result.TraceID,
		Status:            result.Status,
		TrustScore:        result.TrustScore,
		ConfirmationCount: result.ConfirmationCount,
	})
}

// HandleAmendment handles POST /api/v1/traces/{id}/amendments. Amendments
// queue for moderation; the trace's solution is never edited in place.
func (h *Handlers) HandleAmendment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid trace id")
		return
	}

	var req model.AmendmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no authenticated agent")
		return
	}

	amendment, err := h.db.InsertAmendment(r.Context(), model.Amendment{
		TraceID:      id,
		UserID:       user.ID,
		SolutionText: req.SolutionText,
		Reason:       req.Reason,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("trace %s not found", id))
			return
		}
		h.logger.Error("amendment failed", "error", err, "trace_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to record amendment")
		return
	}

	writeJSON(w, r, http.StatusAccepted, amendment)
}

// HandleListTags handles GET /api/v1/tags.
func (h *Handlers) HandleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.db.ListTags(r.Context())
	if err != nil {
		h.logger.Error("list tags failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list tags")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tags": tags})
}

// HandleTrendingTags handles GET /api/v1/tags/trending. Trends come out
// of the consolidation cycle, so results lag events by up to one cadence.
func (h *Handlers) HandleTrendingTags(w http.ResponseWriter, r *http.Request) {
	trends, err := h.db.TrendingTags(r.Context(), 10)
	if err != nil {
		h.logger.Error("trending tags failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load trending tags")
		return
	}

	out := make([]model.TrendingTag, 0, len(trends))
	for _, t := range trends {
		out = append(out, model.TrendingTag{
			Tag:        t.TagName,
			GrowthRate: t.GrowthRate,
			TraceCount: t.TraceCountPeriod,
			PriorCount: t.TraceCountPrior,
			PeriodEnd:  t.PeriodEnd,
		})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"trending": out})
}

// HandleTriggerStats handles POST /api/v1/telemetry/triggers. Skills
// report which trigger heuristics fired during a session so heuristic
// tuning has ground truth.
func (h *Handlers) HandleTriggerStats(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.TriggerStatsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidArgument, err.Error())
		return
	}

	stats, err := h.db.InsertTriggerStats(r.Context(), model.TriggerStats{
		SessionID: req.SessionID,
		Stats:     req.TriggerStats,
	})
	if err != nil {
		h.logger.Error("trigger stats failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to record trigger stats")
		return
	}

	writeJSON(w, r, http.StatusCreated, stats)
}

// HandleHealth handles GET /health. The server is healthy only when
// Postgres, the cache (when configured), and both background workers
// are; anything less returns 503 with per-component status.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Probe the stores in parallel so a dead Postgres doesn't delay the
	// Redis verdict (and vice versa). Probe errors degrade the report;
	// they are never returned.
	pgStatus := "connected"
	redisStatus := ""
	g, probeCtx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		if err := h.db.Ping(probeCtx); err != nil {
			pgStatus = "disconnected"
		}
		return nil
	})
	if h.redis != nil {
		redisStatus = "connected"
		g.Go(func() error {
			if err := h.redis.Ping(probeCtx).Err(); err != nil {
				redisStatus = "disconnected"
			}
			return nil
		})
	}
	_ = g.Wait()
	if pgStatus == "disconnected" || redisStatus == "disconnected" {
		degrade()
	}

	embedStatus := "ok"
	if h.embedWorker == nil || !h.embedWorker.Healthy() {
		embedStatus = "stalled"
		degrade()
	}

	consolidationStatus := "ok"
	if h.consolidationWorker == nil || !h.consolidationWorker.Healthy() {
		consolidationStatus = "stalled"
		degrade()
	}

	resp := model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Postgres:      pgStatus,
		Redis:         redisStatus,
		EmbedWorker:   embedStatus,
		Consolidation: consolidationStatus,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	}

	// Health responses skip the envelope so probes can parse them without
	// knowing the API's meta shape.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(resp)
}
