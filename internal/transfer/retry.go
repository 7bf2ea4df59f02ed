// Package transfer wraps network transfers (downloads, uploads and provider
// submissions) with bounded exponential-backoff retry and integrity checks.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/estatereel/renderd/internal/logging"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultTimeout     = 60 * time.Second
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt; doubles after
	Timeout     time.Duration // per-attempt timeout; zero means none
}

// DefaultPolicy returns 3 attempts, 500ms base delay and a 60s per-attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Timeout:     DefaultTimeout,
	}
}

// Backoff returns base * 2^(attempt-1) for attempt >= 1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Retrier runs an operation until it succeeds, fails permanently, or the
// attempt budget is spent.
type Retrier struct {
	policy Policy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. MaxAttempts below 1 is treated as 1.
func NewRetrier(policy Policy, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy: policy,
		logger: logging.OrDiscard(logger),
		sleep:  sleepContext,
	}
}

// Policy returns the retry policy in effect.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls op with the 1-based attempt number. Non-retryable errors
// short-circuit the remaining attempts. The error of the last attempt is
// returned as is.
func (r *Retrier) Do(ctx context.Context, name string, op func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := r.attempt(ctx, attempt, op)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("transfer succeeded after retry", "op", name, "attempt", attempt)
			}
			return nil
		}

		if !IsRetryable(err) {
			r.logger.Warn("transfer failed permanently", "op", name, "attempt", attempt, "error", err)
			return err
		}
		if attempt >= r.policy.MaxAttempts {
			r.logger.Warn("transfer attempts exhausted", "op", name, "attempts", attempt, "error", err)
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		delay := Backoff(r.policy.BaseDelay, attempt)
		r.logger.Info("transfer failed, retrying",
			"op", name,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, attempt int, op func(ctx context.Context, attempt int) error) error {
	if r.policy.Timeout <= 0 {
		return op(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	return op(attemptCtx, attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
