package media

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"videosummary/internal/models"
)

// retryPolicy bounds how external HTTP calls are retried. Only transient
// transport failures are retried; HTTP-level errors from the upstream are
// surfaced immediately.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
	maxDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, backoff: 500 * time.Millisecond, maxDelay: 5 * time.Second}
}

// do runs fn up to attempts times with exponential backoff between failures.
// Non-retryable errors stop the loop early.
func (p retryPolicy) do(ctx context.Context, logger *slog.Logger, label string, fn func() error) error {
	attempts := p.attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == attempts {
			break
		}
		if logger != nil {
			logger.Warn("transient upstream failure, retrying",
				"call", label, "attempt", attempt, "error", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.maxDelay > 0 && delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return models.WithKind(models.KindUpstream, lastErr)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transient *transientError
	return errors.As(err, &transient)
}

// transientError marks a failure worth retrying, such as a 5xx response.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
