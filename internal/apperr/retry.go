package apperr

import (
	"context"
	"time"
)

// MaxRetryDelay caps exponential backoff.
const MaxRetryDelay = 30 * time.Second

// RetryOptions controls Retry. ShouldRetry, when set, replaces IsRetriable
// as the retry predicate.
type RetryOptions struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	ShouldRetry        func(err *Error) bool
	OnRetry            func(err *Error, attempt int)
}

// PolicyFor returns retry options built from a category's recovery strategy.
func PolicyFor(c Category) RetryOptions {
	r := DefaultRecovery(c)
	return RetryOptions{
		MaxRetries:         r.MaxRetries,
		RetryDelay:         r.RetryDelay,
		ExponentialBackoff: r.ExponentialBackoff,
	}
}

// CalculateRetryDelay returns base unchanged when exponential is false,
// otherwise base * 2^attempt capped at MaxRetryDelay.
func CalculateRetryDelay(base time.Duration, attempt int, exponential bool) time.Duration {
	if !exponential || base <= 0 {
		return base
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxRetryDelay || delay <= 0 {
			return MaxRetryDelay
		}
	}
	if delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}

// Retry calls op up to MaxRetries+1 times. It stops at the first success, at
// the first error the predicate rejects, or when ctx is done. The returned
// error is the last one op produced, unwrapped from normalization.
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts RetryOptions) (T, error) {
	var zero T
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(e *Error) bool { return e.Recovery.Retriable }
	}

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= opts.MaxRetries {
			return zero, err
		}
		normalized := Normalize(err, map[string]any{"attempt": attempt + 1})
		if !shouldRetry(normalized) {
			return zero, err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(normalized, attempt+1)
		}

		delay := CalculateRetryDelay(opts.RetryDelay, attempt, opts.ExponentialBackoff)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, err
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return zero, err
		}
	}
}
