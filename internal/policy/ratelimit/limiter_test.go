package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cmc-crawler/internal/metrics"
)

func TestLimiterWaitDelaysSecondRequest(t *testing.T) {
	t.Parallel()
	metrics.Init()

	// 10 RPS = one token every 100ms; burst 1 means the first call is free.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterBucketsPerDomain(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://a.example/"))
	require.NoError(t, l.Wait(ctx, "https://b.example/"))
	require.NoError(t, l.Wait(ctx, "::not a url"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 3, l.Domains())
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 50 {
		require.NoError(t, l.Wait(context.Background(), "https://coinmarketcap.com/"))
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()
	metrics.Init()

	l := New(Config{DefaultRPS: 0.5, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example/")
	require.Error(t, err)
}
