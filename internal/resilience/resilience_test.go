package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 6, 1, 0.5, 50*time.Millisecond, 2)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	require.Equal(t, "open", cb.State())
	require.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 6, 1, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	require.Equal(t, "open", cb.State())

	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	require.Equal(t, "half_open", cb.State())
}

func TestCircuitBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 6, 1, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(true)
	require.Equal(t, "closed", cb.State())
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		return 0, errors.New("persistent failure")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRateLimiterAllowsWithinCapacity(t *testing.T) {
	rl := NewRateLimiter(5, 1, time.Second, 100)
	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow())
	}
	require.False(t, rl.Allow())
}

func TestHybridRateLimiterAllowsUpToBurst(t *testing.T) {
	hrl := NewHybridRateLimiter(3, 1, 10, time.Millisecond)
	defer hrl.Stop()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.True(t, hrl.Allow(ctx))
	}
	require.False(t, hrl.Allow(ctx))
}
