package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped    = errors.New("task engine stopped")
	ErrStopping   = errors.New("task engine stopping")
	ErrQueueFull  = errors.New("task engine queue full")
	ErrQueueStale = errors.New("task dropped: waited too long in queue")
)

// NoRetry marks an error as permanent; the engine stops retrying and reports
// the wrapped error.
//
//	return engine.NoRetry(fmt.Errorf("task %s: %w", id, domain.ErrStaleJob))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. The engine
// honors it, bounded by RetryMaxDelay, with jitter on top.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by any error carrying an explicit retry
// delay, including the Telegram adapter's flood errors.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
