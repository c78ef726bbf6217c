package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDoubles(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, MaxRetries: 5}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))

	// Monotone: each delay is >= the previous one.
	for i := 1; i < 12; i++ {
		assert.GreaterOrEqual(t, p.Delay(i), p.Delay(i-1), "attempt %d", i)
	}
}

func TestDelayGuards(t *testing.T) {
	p := Policy{Base: time.Second, MaxRetries: 3}

	assert.Equal(t, time.Second, p.Delay(-4), "negative attempts clamp to base")
	assert.Positive(t, p.Delay(1000), "huge attempt counts must not overflow")
	assert.Equal(t, time.Duration(0), Policy{}.Delay(3), "zero base yields no delay")
}

func TestEligible(t *testing.T) {
	p := Policy{Base: time.Millisecond, MaxRetries: 3}

	assert.True(t, p.Eligible(0))
	assert.True(t, p.Eligible(2))
	assert.False(t, p.Eligible(3))
	assert.False(t, Policy{}.Eligible(0))
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "sleep must be interrupted promptly")
}

func TestSleepZeroDuration(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
