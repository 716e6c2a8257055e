// Command anchor-worker consumes protection jobs and runs the hardening
// pipeline: watermark, perturb, verify, sign, publish. One image is in
// flight per process; scale out by running more workers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/lore-anchor/anchor/pkg/catalog"
	"github.com/lore-anchor/anchor/pkg/config"
	"github.com/lore-anchor/anchor/pkg/observability"
	"github.com/lore-anchor/anchor/pkg/perturb"
	"github.com/lore-anchor/anchor/pkg/provenance"
	"github.com/lore-anchor/anchor/pkg/queue"
	"github.com/lore-anchor/anchor/pkg/storage"
	"github.com/lore-anchor/anchor/pkg/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel).With("component", "worker")
	slog.SetDefault(logger)

	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	logger.Info("compute capability", "cpus", runtime.NumCPU(), "gomaxprocs", runtime.GOMAXPROCS(0))

	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "anchor-worker",
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

	signer, err := openSigner(cfg, logger)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		os.Exit(1)
	}

	params := perturb.Params{Epsilon: cfg.PerturbEpsilon, Steps: cfg.PerturbSteps}
	perturber, err := perturb.Select(cfg.PerturbMode, params, logger)
	if err != nil {
		logger.Error("perturber init failed", "error", err)
		os.Exit(1)
	}
	logger.Info("perturber ready", "variant", perturber.Name(),
		"epsilon", cfg.PerturbEpsilon, "steps", cfg.PerturbSteps)

	pipeline := &worker.Pipeline{
		Objects:   objects,
		Perturber: perturber,
		Signer:    signer,
		Epsilon:   int(cfg.PerturbEpsilon),
		Logger:    logger,
		Obs:       obs,
	}
	w := worker.New(cfg.WorkerID, store, q, pipeline, logger, obs)

	healthSrv := worker.NewHealthServer(":"+cfg.HealthPort, w.HealthHandler())
	go func() {
		logger.Info("health endpoint listening", "port", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(runCtx); err != nil {
		logger.Error("worker loop failed", "error", err)
		os.Exit(1)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutCtx); err != nil {
		logger.Error("health server shutdown incomplete", "error", err)
	}
	if err := obs.Shutdown(shutCtx); err != nil {
		logger.Error("telemetry flush incomplete", "error", err)
	}
	logger.Info("worker exited cleanly")
}

// openSigner loads PEM credentials from the configured paths. Without
// credentials only dev mode proceeds, on an ephemeral self-signed cert;
// validation already rejected that combination for production.
func openSigner(cfg *config.Config, logger *slog.Logger) (*provenance.Signer, error) {
	if cfg.SigningCertPEM != "" && cfg.SigningKeyPEM != "" {
		signer, err := provenance.LoadSignerFromFiles(cfg.SigningCertPEM, cfg.SigningKeyPEM)
		if err != nil {
			return nil, err
		}
		logger.Info("signer ready", "subject", signer.Subject())
		return signer, nil
	}
	logger.Warn("signing with ephemeral dev credentials, manifests will not chain to a stable root")
	return provenance.NewDevSigner()
}

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

// openQueue selects Redis when REDIS_URL is set. A worker on the in-memory
// queue only sees envelopes enqueued by its own process, which is the
// single-process dev arrangement.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("queue is in-memory, this worker will not see gateway traffic")
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
