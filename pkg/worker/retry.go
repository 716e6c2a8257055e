package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/lore-anchor/anchor/pkg/catalog"
)

const (
	retryAttempts = 3
	retryBase     = time.Second
	retryCap      = 10 * time.Second
)

// permanent reports whether err is a lifecycle outcome rather than a
// transient fault. Outcomes must surface immediately: retrying an
// ErrInvalidTransition would hammer a row another writer already settled.
func permanent(err error) bool {
	return errors.Is(err, catalog.ErrInvalidTransition) || errors.Is(err, catalog.ErrNotFound)
}

// withRetry runs fn up to three times with jittered exponential backoff
// between roughly one and ten seconds. Terminal catalog writes ride through
// short database blips this way instead of losing a finished pipeline run.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || permanent(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		delay := backoffDelay(attempt)
		logger.Warn("catalog write failed, backing off",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}

func backoffDelay(attempt int) time.Duration {
	base := retryBase << (attempt - 1)
	if base > retryCap-time.Second {
		base = retryCap - time.Second
	}
	return base + time.Duration(rand.Int63n(int64(time.Second)))
}
