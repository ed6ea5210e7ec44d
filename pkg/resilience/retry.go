package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries a failing operation with doubling waits.
type RetryPolicy struct {
	MaxRetries int
	// Backoff is the first wait; each later wait doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// OnRetry, when set, sees each failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, MaxBackoff: 8 * backoff}
}

func (r RetryPolicy) wait(attempt int) time.Duration {
	w := r.Backoff << attempt
	if w <= 0 || (r.MaxBackoff > 0 && w > r.MaxBackoff) {
		w = r.MaxBackoff
	}
	return w
}

// Do runs fn until it succeeds, the retry budget is spent, or ctx is done.
// The last error is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= r.MaxRetries || (r.Retryable != nil && !r.Retryable(err)) {
			return err
		}
		w := r.wait(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, err, w)
		}
		t := time.NewTimer(w)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
