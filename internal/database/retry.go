package database

import (
	"context"
	"math/rand"
	"time"
)

const (
	writeRetries   = 2
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 1 * time.Second
)

// withRetry runs fn up to 1+writeRetries times with exponential backoff and
// jitter. Context cancellation stops the retry loop immediately.
func withRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= writeRetries {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
