package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example/"))
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.Equal(t, rate.Inf, l.Limit("https://example.com"))
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}

func TestLimiterBackoff(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 4, Burst: 1})
	l.Backoff("https://example.com/x", 200)
	require.Equal(t, rate.Limit(4), l.Limit("https://example.com"))

	l.Backoff("https://example.com/x", 429)
	require.Equal(t, rate.Limit(2), l.Limit("https://example.com"))

	for range 20 {
		l.Backoff("https://example.com/x", 503)
	}
	require.Equal(t, rate.Every(time.Minute), l.Limit("https://example.com"))
	require.Equal(t, rate.Limit(4), l.Limit("https://other.example"))
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Host("https://Example.COM:8443/path"))
	require.Equal(t, "unknown", Host("not a url"))
	require.Equal(t, "unknown", Host(""))
}
