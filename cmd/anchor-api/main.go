// Command anchor-api runs the ingest gateway: authenticated image uploads,
// catalog reads, and retry/delete/download-tracking routes. Backends are
// selected by configuration; with nothing configured it runs fully
// in-process, which is the dev-mode path.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/lore-anchor/anchor/pkg/api"
	"github.com/lore-anchor/anchor/pkg/auth"
	"github.com/lore-anchor/anchor/pkg/catalog"
	"github.com/lore-anchor/anchor/pkg/config"
	"github.com/lore-anchor/anchor/pkg/observability"
	"github.com/lore-anchor/anchor/pkg/queue"
	"github.com/lore-anchor/anchor/pkg/storage"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel).With("component", "gateway")
	slog.SetDefault(logger)

	if err := cfg.ValidateGateway(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "anchor-api",
		ServiceVersion: "1.0.0",
		Environment:    environment(cfg),
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTELEndpoint != "",
		Insecure:       cfg.DevMode,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	store, db, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("catalog init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	q, closeQueue, err := openQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("queue init failed", "error", err)
		os.Exit(1)
	}
	defer closeQueue()

	objects, err := openObjects(ctx, cfg, logger)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}

	writeLimiter, err := auth.NewIPLimiter(cfg.RateLimitUpload)
	if err != nil {
		logger.Error("invalid RATE_LIMIT_UPLOAD", "error", err)
		os.Exit(1)
	}
	readLimiter, err := auth.NewIPLimiter(cfg.RateLimitRead)
	if err != nil {
		logger.Error("invalid RATE_LIMIT_READ", "error", err)
		os.Exit(1)
	}

	h := &api.Handler{
		Catalog:              store,
		Objects:              objects,
		Queue:                q,
		Logger:               logger,
		FreeTierMonthlyLimit: int64(cfg.FreeTierMonthlyLimit),
		PresignTTL:           time.Hour,
		PublicBaseURL:        cfg.PublicBaseURL,
		DevMode:              cfg.DevMode,
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, writeLimiter.Middleware, readLimiter.Middleware)

	verifier := auth.NewTokenVerifier(cfg.JWTSecret)
	var handler http.Handler = mux
	handler = auth.Middleware(verifier, "/api/v1/health")(handler)
	handler = obs.HTTPMiddleware(handler)
	handler = auth.CORS(cfg.CORSOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "dev_mode", cfg.DevMode)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if err := obs.Shutdown(shutCtx); err != nil {
		logger.Error("telemetry flush incomplete", "error", err)
	}
}

// openCatalog selects Postgres when DATABASE_URL is set, SQLite otherwise.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (catalog.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		store, db, err := catalog.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("catalog ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return store, db, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store := catalog.NewPostgresStore(db)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("catalog ready", "backend", "postgres")
	return store, db, nil
}

// openQueue selects Redis when REDIS_URL is set, the in-memory queue
// otherwise. In-memory queues do not reach a separate worker process.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("queue is in-memory, envelopes are lost on restart")
		return queue.NewMemQueue(), func() {}, nil
	}
	client, err := queue.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("queue ready", "backend", "redis", "name", cfg.QueueName)
	return queue.NewRedisQueue(client, cfg.QueueName, cfg.DeadLetterQueueName),
		func() { _ = client.Close() }, nil
}

// openObjects selects S3 when S3_BUCKET is set, the in-memory store
// otherwise.
func openObjects(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.ObjectStore, error) {
	if cfg.S3Bucket == "" {
		logger.Warn("object store is in-memory, blobs are lost on restart")
		return storage.NewMemStore(), nil
	}
	s3, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("object store ready", "backend", "s3", "bucket", cfg.S3Bucket)
	return s3, nil
}

func environment(cfg *config.Config) string {
	if cfg.DevMode {
		return "development"
	}
	return "production"
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
