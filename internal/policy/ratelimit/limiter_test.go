package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "host b is not blocked by host a")
}

func TestLimiterCrawlDelayOnlyTightens(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 2})
	l.SetCrawlDelay("Example.com", 5*time.Second)
	require.Equal(t, rate.Every(5*time.Second), l.Limit("example.com"))

	l.SetCrawlDelay("example.com", 100*time.Millisecond)
	require.Equal(t, rate.Every(5*time.Second), l.Limit("example.com"), "a looser delay never relaxes the limit")

	l.SetCrawlDelay("fast.example", 10*time.Millisecond)
	require.Equal(t, rate.Limit(2), l.Limit("fast.example"), "the default rate is already stricter")
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.Equal(t, rate.Inf, l.Limit("x.example"))
	start := time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://x.example/"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
