// Package backoff holds the retry policy shared by submission retries and
// outcome polling: a pure delay-from-attempt computation plus a cancellable
// wait helper.
package backoff

import (
	"context"
	"time"
)

// maxShift caps the exponent so Delay never overflows a time.Duration even
// with misconfigured attempt counts.
const maxShift = 20

// Policy computes exponential delays and bounds retry attempts. The zero
// value retries nothing.
type Policy struct {
	Base       time.Duration
	MaxRetries int
}

// Delay returns Base * 2^attempt. Attempt numbering starts at zero, so the
// first retry waits exactly Base.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return p.Base << uint(attempt)
}

// Eligible reports whether another attempt is allowed after `attempt`
// failures so far.
func (p Policy) Eligible(attempt int) bool {
	return attempt < p.MaxRetries
}

// Sleep waits for d or until ctx is cancelled, whichever comes first. It
// returns the context error on cancellation so callers can stop promptly
// instead of finishing their backoff wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
