package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. Attempts counts the first call.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is used for store and cache calls.
var DefaultPolicy = Policy{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second}

// Do calls fn until it succeeds, fails with a non-transient error, runs out
// of attempts or ctx ends. onRetry, if set, sees each transient failure that
// is followed by another attempt. Do returns the number of calls made.
func Do(ctx context.Context, p Policy, fn func() error, onRetry func(err error, attempt int)) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}

	attempt := 0
	op := func() error {
		attempt++
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err, attempt)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx), notify)
	return attempt, err
}

// IsTransient reports whether err is worth retrying: deadlines and errors
// that describe themselves as timeouts or temporary.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
