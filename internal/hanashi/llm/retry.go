package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy controls how often the client re-sends a failed request.
// The zero value sends every request once.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; later waits double
	// up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultRetryMaxDelay = 10 * time.Second
)

// do calls fn until it succeeds, returns a non-transient error, the attempts
// are used up or ctx is done. The last error is returned.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	delay := p.InitialDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil || !IsTransient(lastErr) || attempt == attempts {
			return lastErr
		}

		slog.Debug("llm: attempt failed, retrying",
			"attempt", attempt, "max", attempts, "delay", delay, "err", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDelay)
	}
	return lastErr
}
