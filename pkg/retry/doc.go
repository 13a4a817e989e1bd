// Package retry provides exponential backoff and bounded retry for transient
// checkpoint failures.
//
// Every call to Do returns a Trace with one Attempt per try, including the
// delay that preceded it, so callers can report exactly what happened:
//
//	trace, err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
//		return writer.Append(ctx, job)
//	}, &retry.Config{
//		MaxAttempts: 3,
//		Backoff:     retry.DefaultExponentialBackoff(),
//		DelayFirst:  true,
//	})
//	// trace.Delays() == [1s 2s 4s] when all three attempts fail
//
// KindBackoff selects a strategy per failure kind, so network failures of
// the remote mirror back off with jitter while local filesystem retries stay
// exact.
package retry
