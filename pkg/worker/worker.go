// Package worker consumes protection jobs from the queue and drives each
// image through the hardening pipeline, recording the outcome in the
// catalog. Delivery is at-least-once; every decision here assumes the same
// envelope can arrive twice.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lore-anchor/anchor/pkg/catalog"
	"github.com/lore-anchor/anchor/pkg/observability"
	"github.com/lore-anchor/anchor/pkg/queue"
)

const defaultTakeTimeout = 5 * time.Second

// Worker is one queue consumer. Run loops until its context is cancelled;
// the envelope in flight at that moment is always finished before Run
// returns.
type Worker struct {
	id     string
	store  catalog.Store
	queue  queue.Queue
	proc   Processor
	logger *slog.Logger
	obs    *observability.Provider

	takeTimeout time.Duration
	startedAt   time.Time

	processing      atomic.Bool
	imagesProcessed atomic.Int64
	imagesFailed    atomic.Int64
}

func New(id string, store catalog.Store, q queue.Queue, proc Processor, logger *slog.Logger, obs *observability.Provider) *Worker {
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return &Worker{
		id:          id,
		store:       store,
		queue:       q,
		proc:        proc,
		logger:      logger.With("worker_id", id),
		obs:         obs,
		takeTimeout: defaultTakeTimeout,
		startedAt:   time.Now(),
	}
}

// Run consumes envelopes until ctx is cancelled. Cancellation stops intake
// only; the handler runs on a detached context so an image midway through
// the pipeline still reaches a terminal status.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped, queue intake closed")
			return nil
		default:
		}

		payload, ok, err := w.queue.Take(ctx, w.takeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopped, queue intake closed")
				return nil
			}
			w.logger.Error("queue take failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		w.handle(context.WithoutCancel(ctx), payload)
	}
}

func (w *Worker) handle(ctx context.Context, payload []byte) {
	w.processing.Store(true)
	defer w.processing.Store(false)

	env, err := queue.DecodeEnvelope(payload)
	if err != nil {
		w.park(ctx, payload, err.Error())
		return
	}
	logger := w.logger.With("image_id", env.ImageID)

	var img *catalog.Image
	err = withRetry(ctx, logger, "get image", func() error {
		var gerr error
		img, gerr = w.store.GetImage(ctx, env.ImageID)
		return gerr
	})
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			w.park(ctx, payload, "image not found in catalog")
		} else {
			w.park(ctx, payload, "catalog unavailable: "+err.Error())
		}
		return
	}

	// Redelivery gate: a row another worker is processing, or already
	// finished, is not picked up again.
	if img.Status == catalog.StatusProcessing || img.Status == catalog.StatusCompleted {
		logger.Info("skipping redelivered envelope", "status", img.Status)
		return
	}

	err = withRetry(ctx, logger, "claim image", func() error {
		return w.store.UpdateStatus(ctx, env.ImageID, catalog.StatusProcessing)
	})
	if err != nil {
		if permanent(err) {
			logger.Info("image no longer claimable", "error", err)
		} else {
			w.park(ctx, payload, "could not claim image: "+err.Error())
		}
		return
	}

	// The task row is bookkeeping; a catalog hiccup here must not waste
	// the claim we just won.
	task := &catalog.Task{
		ID:        uuid.NewString(),
		ImageID:   env.ImageID,
		WorkerID:  w.id,
		StartedAt: time.Now().UTC(),
	}
	if err := w.store.InsertTask(ctx, task); err != nil {
		logger.Error("task insert failed, continuing without task row", "error", err)
		task = nil
	}

	ctx, finish := w.obs.TrackTask(ctx, env.ImageID)
	logger.Info("processing image", "original_key", env.OriginalKey)

	res, perr := w.proc.Process(ctx, env.ImageID, env.OriginalKey)
	if perr != nil {
		w.fail(ctx, logger, env.ImageID, task, perr)
		finish(StageOf(perr), perr)
		return
	}
	w.complete(ctx, logger, env.ImageID, task, res)
	finish("", nil)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, imageID string, task *catalog.Task, perr error) {
	w.imagesFailed.Add(1)
	stage := StageOf(perr)
	logger.Error("pipeline failed", "stage", stage, "error", perr)

	msg := catalog.TruncateErrorLog(perr.Error())
	err := withRetry(ctx, logger, "mark failed", func() error {
		return w.store.SetFailed(ctx, imageID, msg)
	})
	switch {
	case err == nil:
	case permanent(err):
		logger.Warn("failure not recorded, image state changed elsewhere", "error", err)
	default:
		logger.Error("failure not recorded after retries", "error", err)
	}

	if task != nil {
		if err := withRetry(ctx, logger, "close task", func() error {
			return w.store.FailTask(ctx, task.ID, msg)
		}); err != nil {
			logger.Error("task not closed", "task_id", task.ID, "error", err)
		}
	}
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, imageID string, task *catalog.Task, res *Result) {
	w.imagesProcessed.Add(1)

	err := withRetry(ctx, logger, "mark completed", func() error {
		return w.store.SetProtected(ctx, imageID, res.ProtectedKey, res.WatermarkID, res.Manifest)
	})
	switch {
	case err == nil:
		logger.Info("image protected", "protected_key", res.ProtectedKey)
	case permanent(err):
		logger.Warn("completion not recorded, image state changed elsewhere", "error", err)
	default:
		logger.Error("completion not recorded after retries", "error", err)
	}

	if task != nil {
		if err := withRetry(ctx, logger, "close task", func() error {
			return w.store.CompleteTask(ctx, task.ID)
		}); err != nil {
			logger.Error("task not closed", "task_id", task.ID, "error", err)
		}
	}
}

// park routes an unprocessable payload to the dead-letter list. Losing the
// payload entirely is the one outcome this path must not allow, so a park
// failure is logged at error with the payload attached.
func (w *Worker) park(ctx context.Context, payload []byte, reason string) {
	w.logger.Error("parking payload", "reason", reason)
	if err := w.queue.Park(ctx, payload, reason); err != nil {
		w.logger.Error("park failed, payload dropped", "error", err, "payload", string(payload))
	}
}
