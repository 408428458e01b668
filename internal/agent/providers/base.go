// Package providers implements the completion and transcription clients
// the agent talks to.
package providers

import (
	"context"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// retryPolicy retries transient API failures with exponential backoff.
type retryPolicy struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetryPolicy(maxRetries int, retryDelay time.Duration) retryPolicy {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return retryPolicy{maxRetries: maxRetries, retryDelay: retryDelay}
}

// backoff returns the wait before attempt+1: retryDelay doubled per
// failed attempt, capped at maxRetryDelay.
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.retryDelay << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// Retry runs op up to maxRetries times while retryable(err) holds.
// The last error is returned unchanged.
func (p retryPolicy) Retry(ctx context.Context, retryable func(error) bool, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = op(); err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) || attempt >= p.maxRetries {
			return err
		}
		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
