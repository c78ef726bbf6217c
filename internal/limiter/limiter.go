// Package limiter bounds how many item pipelines are in flight at once and
// optionally paces how quickly new dispatches may start.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/verdict-labs/verdict-go/internal/backoff"
)

// Limiter grants at most maxConcurrent concurrent slots. Waiters are served
// in FIFO order, so earlier batch items cannot be starved by later ones.
// When minInterval is positive, consecutive grants are additionally spaced
// at least that far apart.
type Limiter struct {
	sem         *semaphore.Weighted
	minInterval time.Duration

	mu   sync.Mutex
	next time.Time
}

func New(maxConcurrent int, minInterval time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if minInterval < 0 {
		minInterval = 0
	}
	return &Limiter{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		minInterval: minInterval,
	}
}

// Acquire blocks until a slot is free (and the pacing interval has elapsed)
// or ctx is cancelled. Every successful Acquire must be paired with a
// Release once the item reaches a terminal state.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if l.minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	wait := l.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.next = now.Add(wait + l.minInterval)
	l.mu.Unlock()

	if err := backoff.Sleep(ctx, wait); err != nil {
		l.sem.Release(1)
		return err
	}
	return nil
}

func (l *Limiter) Release() {
	l.sem.Release(1)
}
