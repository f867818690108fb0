package synckit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
		if time.Duration(delay) > eb.maxDelay {
			break
		}
	}

	result := time.Duration(delay)
	if eb.maxDelay > 0 && result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}

// retryer runs remote calls with a per-attempt timeout and exponential
// backoff on transient failures.
type retryer struct {
	config  RetryConfig
	timeout time.Duration
	logger  *slog.Logger
}

// transient reports whether err is worth another attempt. A deadline that
// fired on the per-attempt timeout counts; cancellation of the caller does
// not.
func transient(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if syncErrors.IsFatal(err) {
		return false
	}
	return syncErrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// do runs op until it succeeds, fails permanently or attempts run out. It
// returns the number of attempts made.
func (r *retryer) do(ctx context.Context, what string, op func(ctx context.Context) error) (int, error) {
	eb := &exponentialBackoff{
		initialDelay: r.config.InitialDelay,
		maxDelay:     r.config.MaxDelay,
		multiplier:   r.config.Multiplier,
	}

	var err error
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = op(callCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Remote call succeeded after retry", "call", what, "attempt", attempt)
			}
			return attempt, nil
		}
		if !transient(ctx, err) {
			return attempt, err
		}
		if attempt >= r.config.MaxAttempts {
			r.logger.Error("All retry attempts exhausted",
				"call", what,
				"total_attempts", attempt,
				"final_error", err)
			return attempt, err
		}

		delay := eb.nextDelay(attempt - 1)
		r.logger.Warn("Remote call failed with retryable error",
			"call", what,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
