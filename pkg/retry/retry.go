package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	errs "autosave/pkg/errors"
	"autosave/pkg/logger"
)

// Operation is one attempt of a retried operation. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Attempt records one try of an operation
type Attempt struct {
	Number   int
	Delay    time.Duration
	Duration time.Duration
	Err      error
}

// Trace is the ordered list of attempts made by Do
type Trace []Attempt

// Succeeded reports whether the last attempt succeeded
func (t Trace) Succeeded() bool {
	return len(t) > 0 && t[len(t)-1].Err == nil
}

// Delays returns the delay that preceded each attempt
func (t Trace) Delays() []time.Duration {
	out := make([]time.Duration, len(t))
	for i, a := range t {
		out[i] = a.Delay
	}
	return out
}

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (0 means unlimited)
	MaxAttempts int
	// Backoff strategy to use
	Backoff BackoffStrategy
	// DelayFirst waits Backoff.NextDelay(1) before the first attempt. Use it
	// when the caller has already seen one failure.
	DelayFirst bool
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// OnRetry is called before each delayed attempt
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep replaces Wait, mainly for tests
	Sleep SleepFunc
	// Logger for retry attempts
	Logger logger.Logger
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		Backoff:     DefaultExponentialBackoff(),
		RetryIf:     DefaultRetryIf,
		Sleep:       Wait,
		Logger:      logger.GetLogger(),
	}
}

// DefaultRetryIf retries transient kinds and never context cancellation
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errs.IsRetryable(errs.Classify(err))
}

// Do runs op until it succeeds, RetryIf rejects the error, attempts run out,
// or ctx is cancelled. The returned trace always holds every attempt made.
func Do(ctx context.Context, op Operation, cfg *Config) (Trace, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultExponentialBackoff()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = Wait
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}

	var trace Trace
	var lastErr error

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		var delay time.Duration
		switch {
		case cfg.DelayFirst:
			delay = backoff.NextDelay(attempt)
		case attempt > 1:
			delay = backoff.NextDelay(attempt - 1)
		}

		if delay > 0 || attempt > 1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr, delay)
			}
			if cfg.Logger != nil && lastErr != nil {
				cfg.Logger.WarnWithFields("retrying operation", map[string]interface{}{
					"attempt":      attempt,
					"error":        lastErr.Error(),
					"delay_ms":     delay.Milliseconds(),
					"max_attempts": cfg.MaxAttempts,
				})
			}
			if err := sleep(ctx, delay); err != nil {
				if cfg.Logger != nil {
					cfg.Logger.WarnWithFields("retry cancelled", map[string]interface{}{
						"attempt": attempt,
						"reason":  err.Error(),
					})
				}
				return trace, fmt.Errorf("retry cancelled: %w", err)
			}
		}

		start := time.Now()
		err := op(ctx, attempt)
		trace = append(trace, Attempt{Number: attempt, Delay: delay, Duration: time.Since(start), Err: err})
		if err == nil {
			if attempt > 1 && cfg.Logger != nil {
				cfg.Logger.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return trace, nil
		}
		lastErr = err

		if !retryIf(err) {
			if cfg.Logger != nil {
				cfg.Logger.DebugWithFields("error is not retryable", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return trace, err
		}
	}

	if cfg.Logger != nil && lastErr != nil {
		cfg.Logger.ErrorWithFields("max retry attempts exceeded", map[string]interface{}{
			"attempts":   len(trace),
			"last_error": lastErr.Error(),
		})
	}
	return trace, fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes an operation that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, op func(ctx context.Context, attempt int) (T, error), cfg *Config) (T, Trace, error) {
	var result T
	trace, err := Do(ctx, func(ctx context.Context, attempt int) error {
		var opErr error
		result, opErr = op(ctx, attempt)
		return opErr
	}, cfg)
	return result, trace, err
}
