package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/commontrace/commontrace/internal/auth"
	"github.com/commontrace/commontrace/internal/config"
	"github.com/commontrace/commontrace/internal/ratelimit"
	"github.com/commontrace/commontrace/internal/server"
	"github.com/commontrace/commontrace/internal/service/consolidation"
	"github.com/commontrace/commontrace/internal/service/embedding"
	"github.com/commontrace/commontrace/internal/service/search"
	"github.com/commontrace/commontrace/internal/service/trust"
	"github.com/commontrace/commontrace/internal/storage"
	"github.com/commontrace/commontrace/internal/tasks"
	"github.com/commontrace/commontrace/internal/telemetry"
	"github.com/commontrace/commontrace/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("COMMONTRACE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("commontrace starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres and run migrations. Migration files are
	// embedded so they apply regardless of working directory.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := db.EnsureSystemUser(ctx); err != nil {
		return fmt.Errorf("system user: %w", err)
	}

	// Connect to Redis when configured. Redis backs distributed rate
	// limiting; without it the limiter is per-process.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("redis: connected")
	} else {
		logger.Info("redis: disabled (no REDIS_URL)")
	}

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimitRPM)
		logger.Info("rate limiting: redis fixed window", "rpm", cfg.RateLimitRPM)
	} else {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPM)/60.0, cfg.RateLimitRPM)
		logger.Info("rate limiting: memory token bucket", "rpm", cfg.RateLimitRPM)
	}
	defer func() { _ = limiter.Close() }()

	// Side-effect tracker for fire-and-forget retrieval bookkeeping.
	tracker := tasks.NewTracker(logger, 256, 10*time.Second)

	// Embedding provider and the worker that fills pending embeddings.
	provider := embedding.NewProvider(cfg)
	logger.Info("embedding provider",
		"model", provider.ModelID(),
		"dimensions", provider.Dimensions(),
	)
	embedWorker := embedding.NewWorker(db, provider, logger, cfg.EmbedPollInterval, cfg.EmbedBatchSize)
	embedWorker.Start(ctx)

	// Consolidation worker (the sleep cycle).
	consolidationSvc := consolidation.New(db, logger, cfg.ConsolidationInterval, cfg.StaleAgeDays)
	consolidationWorker := consolidation.NewWorker(consolidationSvc, cfg.ConsolidationInterval)
	consolidationWorker.Start(ctx)

	searchSvc := search.New(db, provider, tracker, logger)
	trustSvc := trust.New(db, cfg.ValidationThreshold)

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			DB:                  db,
			Searcher:            searchSvc,
			Voter:               trustSvc,
			Redis:               redisClient,
			EmbedWorker:         embedWorker,
			ConsolidationWorker: consolidationWorker,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Authenticator: auth.NewAuthenticator(db),
		Logger:        logger,
		Limiter:       limiter,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: stop
	// accepting HTTP and drain in-flight requests (they may still queue
	// side-effect tasks), flush the task tracker, then stop the workers.
	slog.Info("commontrace shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	trackerCtx, trackerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tracker.Drain(trackerCtx)
	trackerCancel()

	workerCtx, workerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	embedWorker.Drain(workerCtx)
	consolidationWorker.Drain(workerCtx)
	workerCancel()

	slog.Info("commontrace stopped")
	return nil
}
