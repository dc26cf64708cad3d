// Package services implements the database lifecycle services: the on-disk
// store, the engine client and the remote fetcher.
package services

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
)

// RetryPolicy bounds retries of transient network failures
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries twice, starting at one second
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     32 * time.Second,
	}
}

// backoff returns the wait before retry number attempt (0-based)
func (p RetryPolicy) backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(2, float64(attempt))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError reports transport failures, 429 and 5xx responses
func isRetryableError(err error) bool {
	var e *errdefs.Error
	if !errors.As(err, &e) || e.Kind != errdefs.KindNetwork {
		return false
	}
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// Do runs fn until it succeeds, fails permanently or retries are exhausted
func (p RetryPolicy) Do(ctx context.Context, logger interfaces.Logger, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isRetryableError(err) || attempt >= p.MaxRetries {
			return err
		}

		wait := p.backoff(attempt)
		logger.Warn("Retrying after transient failure",
			interfaces.F("operation", op),
			interfaces.F("attempt", attempt+1),
			interfaces.F("backoff", wait),
			interfaces.F("error", err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
