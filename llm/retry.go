package llm

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls how failed completions are retried.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	IsRetryable func(error) bool
}

// RetryWithBackoff calls fn until it succeeds, returns an error IsRetryable rejects, or MaxRetries
// retries were made. Retries wait with exponential backoff and jitter.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d := backoffWithJitter(cfg.BaseDelay, attempt-1, cfg.MaxDelay)
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cfg.IsRetryable != nil && !cfg.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffWithJitter doubles base for every attempt, caps it at maxDelay, and applies +/-20% jitter.
func backoffWithJitter(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d = time.Duration(float64(d) + jitter)
	if d < 0 {
		d = base
	}
	return d
}
