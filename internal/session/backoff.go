package session

import (
	"context"
	"errors"
	"time"
)

// midStreamDelays is the reconnection schedule used when a provider
// connection that was already open drops unexpectedly: up to 3 attempts,
// ~600 ms worst case.
var midStreamDelays = []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond}

// firstOpenDelays is the reconnection schedule used when the very first
// connection attempt fails: up to 5 attempts, giving the provider more
// room to recover before giving up.
var firstOpenDelays = []time.Duration{
	0,
	100 * time.Millisecond,
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

// retryWithSchedule calls attempt once per delay in schedule, waiting the
// delay before each call (the first delay is conventionally 0). It returns
// nil on the first attempt that succeeds. If every attempt fails, it
// returns the last error. If ctx is cancelled while waiting or while an
// attempt is in flight, it returns ctx.Err() immediately.
//
// attempt receives the 0-based attempt index so callers can log it.
func retryWithSchedule(ctx context.Context, schedule []time.Duration, attempt func(ctx context.Context, n int) error) error {
	var lastErr error
	for i, delay := range schedule {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := attempt(ctx, i); err != nil {
			var nr *nonRetryable
			if errors.As(err, &nr) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
