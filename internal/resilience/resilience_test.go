package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		require.Truef(t, rl.Allow(), "expected allow %d", i)
	}
	require.False(t, rl.Allow(), "expected deny after capacity")
	time.Sleep(1100 * time.Millisecond)
	require.True(t, rl.Allow(), "expected allow after refill")
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		require.True(t, cb.Allow(), "should allow while closed")
		cb.RecordResult(false)
	}
	require.False(t, cb.Allow(), "should be open and deny")
	require.Equal(t, "open", cb.State())

	time.Sleep(600 * time.Millisecond)
	require.True(t, cb.Allow(), "half-open probe should allow")
	cb.RecordResult(true)
	require.True(t, cb.Allow(), "second probe should allow")
	cb.RecordResult(true)
	require.Equal(t, "closed", cb.State())
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
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

func TestRetryExhausted(t *testing.T) {
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		return 0, errors.New("permanent")
	})
	require.Error(t, err)
}
