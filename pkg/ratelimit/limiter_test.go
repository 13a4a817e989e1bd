package ratelimit

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket(t *testing.T) {
	clock := newClock()
	tb := NewTokenBucketWithClock(5, time.Second, clock.now)

	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Errorf("Expected token %d to be available", i+1)
		}
	}
	if tb.Allow() {
		t.Error("Expected no more tokens to be available")
	}

	clock.advance(time.Second)
	if !tb.Allow() {
		t.Error("Expected tokens to be refilled after a period")
	}

	tb.tokens = 0
	tb.Reset()
	if tb.tokens != tb.capacity {
		t.Error("Expected tokens to be reset to capacity")
	}
}

func TestSlidingWindow(t *testing.T) {
	clock := newClock()
	sw := NewSlidingWindowWithClock(3, time.Second, clock.now)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Errorf("Expected event %d to be allowed", i+1)
		}
		clock.advance(100 * time.Millisecond)
	}
	if sw.Allow() {
		t.Error("Expected event to be denied when limit is reached")
	}

	// the first event leaves the window
	clock.advance(750 * time.Millisecond)
	if !sw.Allow() {
		t.Error("Expected event to be allowed after window slides")
	}

	sw.Reset()
	if len(sw.requests) != 0 {
		t.Error("Expected requests to be cleared after reset")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	tests := []struct {
		name    string
		limiter Limiter
	}{
		{"token bucket", NewTokenBucket(1, time.Hour)},
		{"sliding window", NewSlidingWindow(1, time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.limiter.Allow() {
				t.Fatal("Expected first event to pass")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if err := tt.limiter.Wait(ctx); err != context.DeadlineExceeded {
				t.Errorf("Expected deadline exceeded, got %v", err)
			}
		})
	}
}

func TestDebouncer(t *testing.T) {
	clock := newClock()
	d := NewDebouncer(5*time.Second, clock.now)

	if ok, _ := d.Allow("space"); !ok {
		t.Fatal("Expected first event to pass")
	}
	for i := 0; i < 3; i++ {
		clock.advance(time.Second)
		if ok, _ := d.Allow("space"); ok {
			t.Errorf("Expected repeat %d inside the window to be held", i+1)
		}
	}
	if ok, _ := d.Allow("load"); !ok {
		t.Error("Expected a different key to pass")
	}

	clock.advance(2 * time.Second)
	ok, held := d.Allow("space")
	if !ok {
		t.Fatal("Expected event to pass after the window")
	}
	if held != 3 {
		t.Errorf("Expected 3 held events, got %d", held)
	}

	d.Forget("space")
	if ok, _ := d.Allow("space"); !ok {
		t.Error("Expected forgotten key to pass immediately")
	}

	d.Reset()
	if ok, _ := d.Allow("load"); !ok {
		t.Error("Expected reset debouncer to pass")
	}
}
