package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewRateLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.1"))
	require.False(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(61 * time.Second)
	require.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiterDisabled(t *testing.T) {
	var limiter *RateLimiter
	require.True(t, limiter.Allow("x"))

	limiter = NewRateLimiter(0, time.Minute)
	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow("x"))
	}
}
