// Package retry provides exponential backoff retry logic for transient failures.
//
// Do and DoWithResult run a function until it succeeds, the attempt budget
// is spent, a non-retryable error is returned, or the context ends. Setting
// MaxAttempts to Unlimited leaves the context as the only bound, which is
// how deadline-driven polling loops use it:
//
//	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
//	defer cancel()
//	err := retry.Do(ctx, retry.Config{
//	    MaxAttempts:  retry.Unlimited,
//	    InitialDelay: 200 * time.Millisecond,
//	    MaxDelay:     5 * time.Second,
//	    Multiplier:   2,
//	}, poll)
//
// Errors wrapped with NonRetryable stop immediately. Config.Retryable lets
// the caller plug in its own classification, for example errors.IsTransient.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay
//   - Persistent(): 30 attempts, 200ms-10s delay (broker reconnects)
//
// Backoff exposes the delay sequence on its own for loops that need to
// inspect state between sleeps.
package retry
