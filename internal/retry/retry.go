// Package retry provides exponential backoff with jitter, used both for
// in-process retry loops and for scheduling the next outbox delivery.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do stops and the outbox relay gives up on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff returns the delay before retry number attempt (1-based).
// The delay is base * 2^(attempt-1) with +-25% jitter, capped at max.
// A non-positive max means no cap.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		next := delay * 2
		if next <= 0 { // overflow
			break
		}
		delay = next
		if max > 0 && delay >= max {
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}

	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Do calls fn up to maxAttempts times, sleeping Backoff(n, baseDelay, 0)
// between attempts. It stops early when fn succeeds, returns a permanent
// error (which is unwrapped), or ctx is cancelled.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt, baseDelay, 0)):
		}
	}

	return err
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}
