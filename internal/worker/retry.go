package worker

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryAttempts    = 3
	retryBaseBackoff = 100 * time.Millisecond
	retryFactor      = 2
)

// retryTransient runs op up to retryAttempts times, backing off exponentially
// with +/-20% jitter between attempts. Only transient failures are retried;
// any other error, or context cancellation, stops the loop immediately.
func retryTransient(ctx context.Context, op func() error) error {
	backoff := retryBaseBackoff

	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		jittered := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		backoff *= retryFactor
	}
	return err
}
