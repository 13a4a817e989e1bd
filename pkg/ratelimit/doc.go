// Package ratelimit throttles how often events pass.
//
// Token Bucket:
//   - Fixed capacity bucket that refills after a specified period
//   - Suits bursts followed by quiet periods
//
// Sliding Window:
//   - Tracks events within a moving time window
//
// Debouncer:
//   - One event per key per window; the event bus uses it for warnings
//     and progress so a slow disk does not flood subscribers
//
// Usage:
//
//	d := ratelimit.NewDebouncer(5*time.Second, nil)
//	if ok, held := d.Allow("low_space"); ok {
//	    // publish, mentioning held suppressed repeats
//	}
//
//	limiter := ratelimit.NewSlidingWindow(10, time.Second)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
package ratelimit
