package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitSpacesRequests(t *testing.T) {
	t.Parallel()

	l := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	ctx := context.Background()

	// First call consumes the initial token.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "docs.example.com#0"))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "docs.example.com#0"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{InitialDelay: time.Second, MaxDelay: 2 * time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a#0"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "a#1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_AdaptsToPressure(t *testing.T) {
	t.Parallel()

	l := New(Config{InitialDelay: 750 * time.Millisecond, MinDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second})
	key := "docs.example.com#0"
	require.Equal(t, 750*time.Millisecond, l.Interval(key))

	l.ReportResult(key, http.StatusTooManyRequests, 0)
	require.Equal(t, 1500*time.Millisecond, l.Interval(key))
	l.ReportResult(key, http.StatusServiceUnavailable, 0)
	require.Equal(t, 3*time.Second, l.Interval(key))
	l.ReportResult(key, http.StatusBadGateway, 0)
	require.Equal(t, 5*time.Second, l.Interval(key))

	l.ReportResult(key, http.StatusOK, 0)
	require.Equal(t, 2500*time.Millisecond, l.Interval(key))
	for range 10 {
		l.ReportResult(key, http.StatusOK, 0)
	}
	require.Equal(t, 250*time.Millisecond, l.Interval(key))

	// A 404 is a completed response, not pressure.
	l.ReportResult(key, http.StatusNotFound, 0)
	require.Equal(t, 250*time.Millisecond, l.Interval(key))
}

func TestLimiter_ZeroConfigStartsUnthrottled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	key := "k"
	require.Equal(t, time.Duration(0), l.Interval(key))
	l.ReportResult(key, http.StatusTooManyRequests, 0)
	require.Equal(t, DefaultMinDelay, l.Interval(key))
}

func TestLimiter_RetryAfterPausesKey(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	now := time.Now()
	l.now = func() time.Time { return now }
	l.ReportResult("k", http.StatusTooManyRequests, 80*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "k"))
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PauseCap: time.Hour})
	l.ReportResult("k", http.StatusTooManyRequests, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
