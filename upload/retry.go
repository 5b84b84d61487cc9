package upload

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Retry runs attempt up to attempts times. Only TransportError outcomes are retried; every retry is a
// whole new attempt that starts from hashing on a fresh session. The wait between attempts ends early
// when ctx is done, in which case the last outcome is returned.
func Retry(ctx context.Context, attempts uint, wait time.Duration, logger log.Logger, attempt func(n uint) Outcome) Outcome {
	if attempts == 0 {
		attempts = 1
	}

	var outcome Outcome
	_ = retry.Times(attempts - 1).TryWithAbort(func(n uint) (error, bool) {
		if n > 0 {
			if !sleep(ctx, wait) {
				return ctx.Err(), true
			}
			logger.Warnf("Retrying upload (attempt %d of %d)...", n+1, attempts)
		}

		outcome = attempt(n)
		if outcome.Err == nil {
			return nil, true
		}
		if ctx.Err() != nil || !IsKind(outcome.Err, TransportError) {
			return outcome.Err, true
		}
		if n+1 < attempts {
			logger.Warnf("Upload attempt %d failed: %s", n+1, outcome.Err)
		}
		return outcome.Err, false
	})

	return outcome
}

// sleep waits for d and reports false if ctx was done first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
