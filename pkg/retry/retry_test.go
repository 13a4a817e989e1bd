package retry

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	errs "autosave/pkg/errors"
)

// recordSleep captures requested delays without sleeping
func recordSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt     int
		expected    time.Duration
		description string
	}{
		{0, 0, "No attempt"},
		{1, 100 * time.Millisecond, "First attempt"},
		{2, 200 * time.Millisecond, "Second attempt"},
		{3, 400 * time.Millisecond, "Third attempt"},
		{4, 800 * time.Millisecond, "Fourth attempt"},
		{5, 1 * time.Second, "Fifth attempt (capped at max)"},
		{6, 1 * time.Second, "Sixth attempt (still capped)"},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			delay := backoff.NextDelay(test.attempt)
			if delay != test.expected {
				t.Errorf("Expected delay %v, got %v", test.expected, delay)
			}
		})
	}
}

func TestExponentialBackoffWithJitter(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}

	delays := make(map[time.Duration]bool)
	for i := 0; i < 10; i++ {
		delay := backoff.NextDelay(2)
		if delay < 140*time.Millisecond || delay > 260*time.Millisecond {
			t.Errorf("Jittered delay %v out of range", delay)
		}
		delays[delay] = true
	}

	if len(delays) < 2 {
		t.Error("Expected multiple different delays with jitter, but got consistent delays")
	}
}

func TestRetryWithSuccess(t *testing.T) {
	var delays []time.Duration
	op := func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("temporary error")
		}
		return nil
	}

	cfg := &Config{
		MaxAttempts: 5,
		Backoff:     &ConstantBackoff{Delay: 10 * time.Millisecond},
		RetryIf:     func(err error) bool { return true },
		Sleep:       recordSleep(&delays),
	}

	trace, err := Do(context.Background(), op, cfg)
	if err != nil {
		t.Errorf("Expected success after retries, got error: %v", err)
	}
	if len(trace) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(trace))
	}
	if !trace.Succeeded() {
		t.Error("Expected trace to report success")
	}
	if len(delays) != 2 {
		t.Errorf("Expected 2 sleeps, got %d", len(delays))
	}
}

func TestRetryDelayFirstMatchesCheckpointSchedule(t *testing.T) {
	var delays []time.Duration
	op := func(ctx context.Context, attempt int) error {
		return &errs.Error{Kind: errs.KindTransientFS, Op: "append", Err: syscall.EBUSY}
	}

	cfg := &Config{
		MaxAttempts: 3,
		Backoff:     DefaultExponentialBackoff(),
		DelayFirst:  true,
		Sleep:       recordSleep(&delays),
	}

	trace, err := Do(context.Background(), op, cfg)
	if err == nil {
		t.Fatal("Expected error when max attempts exceeded")
	}
	if !errors.Is(err, syscall.EBUSY) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := trace.Delays()
	if len(got) != len(want) {
		t.Fatalf("Expected %d attempts, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] || delays[i] != want[i] {
			t.Errorf("Attempt %d: expected delay %v, got trace %v sleep %v", i+1, want[i], got[i], delays[i])
		}
	}
}

func TestRetryWithNonRetryableError(t *testing.T) {
	attempts := 0
	spaceErr := errs.E(errs.KindSpace, "append", syscall.ENOSPC)

	op := func(ctx context.Context, attempt int) error {
		attempts++
		return spaceErr
	}

	cfg := &Config{
		MaxAttempts: 5,
		Backoff:     &ConstantBackoff{Delay: 10 * time.Millisecond},
		RetryIf:     DefaultRetryIf,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}

	_, err := Do(context.Background(), op, cfg)
	if err != spaceErr {
		t.Errorf("Expected space error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry for space error), got %d", attempts)
	}
}

func TestRetryWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	op := func(ctx context.Context, attempt int) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("temporary error")
	}

	cfg := &Config{
		MaxAttempts: 5,
		Backoff:     &ConstantBackoff{Delay: 100 * time.Millisecond},
		RetryIf:     func(err error) bool { return true },
	}

	_, err := Do(ctx, op, cfg)
	if err == nil {
		t.Error("Expected error when context cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestKindBackoff(t *testing.T) {
	kb := NewKindBackoff(&ExponentialBackoff{BaseDelay: time.Second, MaxDelay: 8 * time.Second, Multiplier: 2})

	if d := kb.For(errs.KindTransientFS).NextDelay(3); d != 4*time.Second {
		t.Errorf("Expected exact filesystem delay of 4s, got %v", d)
	}

	netBackoff, ok := kb.For(errs.KindTransientNet).(*ExponentialBackoff)
	if !ok {
		t.Fatal("Expected ExponentialBackoff for network errors")
	}
	if netBackoff.JitterFactor == 0 {
		t.Error("Expected jitter on network backoff")
	}
	if kb.For(errs.KindPayload) != kb.Default {
		t.Error("Expected default backoff for payload errors")
	}
}

func TestDoWithResult(t *testing.T) {
	op := func(ctx context.Context, attempt int) (string, error) {
		if attempt < 2 {
			return "", errors.New("temporary error")
		}
		return "success", nil
	}

	cfg := &Config{
		MaxAttempts: 3,
		Backoff:     &ConstantBackoff{Delay: time.Millisecond},
		RetryIf:     func(err error) bool { return true },
	}

	result, trace, err := DoWithResult(context.Background(), op, cfg)
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("Expected 'success', got '%s'", result)
	}
	if len(trace) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(trace))
	}
}
