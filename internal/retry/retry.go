// Package retry provides bounded retries with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff produces exponentially growing delays with +-25% jitter.
// The zero Max means uncapped. A Backoff is not safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	next time.Duration
}

// Next returns the delay to sleep before the following attempt.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Base
	}
	delay := b.next
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	b.next *= 2
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}

	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Wait sleeps for Next() or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	backoff := Backoff{Base: baseDelay}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}
		if werr := backoff.Wait(ctx); werr != nil {
			return werr
		}
	}

	return err
}
