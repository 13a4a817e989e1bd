package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	errs "autosave/pkg/errors"
)

// BackoffStrategy defines the interface for different backoff strategies
type BackoffStrategy interface {
	// NextDelay returns the delay before the given 1-based attempt
	NextDelay(attempt int) time.Duration
	// Reset resets the backoff strategy to initial state
	Reset()
}

// ExponentialBackoff yields min(BaseDelay * Multiplier^(attempt-1), MaxDelay),
// optionally with jitter
type ExponentialBackoff struct {
	// BaseDelay is the initial delay duration
	BaseDelay time.Duration
	// MaxDelay is the maximum delay duration
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases
	Multiplier float64
	// JitterFactor adds randomness (0.0 to 1.0). Zero keeps delays exact.
	JitterFactor float64
}

// DefaultExponentialBackoff returns the checkpoint retry backoff: 1s, 2s, 4s, capped at 8s
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 2.0,
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))

	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.JitterFactor > 0 {
		jitter := delay * eb.JitterFactor
		delay += (rand.Float64() * 2 * jitter) - jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Reset is a no-op; the delay depends only on the attempt number
func (eb *ExponentialBackoff) Reset() {}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// Reset resets the backoff (no-op for constant backoff)
func (cb *ConstantBackoff) Reset() {}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KindBackoff picks a backoff strategy per failure kind
type KindBackoff struct {
	// Network is used for transient network failures such as a remote mirror upload
	Network BackoffStrategy
	// Filesystem is used for transient local filesystem failures
	Filesystem BackoffStrategy
	// Default covers every other retried kind
	Default BackoffStrategy
}

// NewKindBackoff uses base for local failures and a gentler curve for the network
func NewKindBackoff(base *ExponentialBackoff) *KindBackoff {
	if base == nil {
		base = DefaultExponentialBackoff()
	}
	network := *base
	network.JitterFactor = 0.2
	return &KindBackoff{
		Network:    &network,
		Filesystem: base,
		Default:    base,
	}
}

// For returns the strategy for a failure kind
func (kb *KindBackoff) For(kind errs.Kind) BackoffStrategy {
	switch kind {
	case errs.KindTransientNet:
		return kb.Network
	case errs.KindTransientFS:
		return kb.Filesystem
	default:
		return kb.Default
	}
}
