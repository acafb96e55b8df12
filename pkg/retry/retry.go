// pkg/retry/retry.go - Retrying actions with exponential backoff.
//
// Used for package payload downloads, where transient connection failures
// are common. Manifest and catalog fetches do not retry; the resolver's
// identifier fallback depends on seeing those failures immediately.

package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/macadmins/gomunki/pkg/logging"
)

// Config defines the retry schedule.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
}

// permanent wraps an error that must not be retried.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Do runs action until it succeeds, returns a permanent error, or the
// attempt budget is exhausted. The interval between attempts grows by
// Multiplier each time.
func Do(cfg Config, action func() error) error {
	interval := cfg.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = action()
		if lastErr == nil {
			return nil
		}

		var p *permanent
		if errors.As(lastErr, &p) {
			logging.Warn("Non-retryable error", "attempt", attempt, "error", p.err)
			return p.err
		}

		if attempt < cfg.MaxAttempts {
			logging.Warn("Attempt failed, retrying",
				"attempt", attempt, "max_attempts", cfg.MaxAttempts,
				"retry_delay", interval.String(), "error", lastErr)
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * cfg.Multiplier)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
