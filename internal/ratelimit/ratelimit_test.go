package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/config"
)

var day = time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)

func clock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestCheckAndIncrement_DeniesLimitPlusOne(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryCounter(), 3, config.RateLimitBySender).WithClock(clock(day))

	for i := 1; i <= 3; i++ {
		d, err := l.CheckAndIncrement(ctx, "ap@vendor.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(i), d.Count)
	}
	d, err := l.CheckAndIncrement(ctx, "ap@vendor.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(3), d.Count, "denied request does not consume quota")
	assert.Equal(t, "ap@vendor.com:2025-06-10", d.Key)
}

func TestCheckAndIncrement_DayRollover(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryCounter(), 1, config.RateLimitBySender).WithClock(clock(day))

	d, err := l.CheckAndIncrement(ctx, "a@b.com")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = l.CheckAndIncrement(ctx, "a@b.com")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	l.WithClock(clock(day.Add(24 * time.Hour)))
	d, err = l.CheckAndIncrement(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckAndIncrement_Unlimited(t *testing.T) {
	l := New(NewMemoryCounter(), 0, "")
	for i := 0; i < 10; i++ {
		d, err := l.CheckAndIncrement(context.Background(), "x@y.z")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestCheckAndIncrement_ConcurrentBoundary(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryCounter(), 5, config.RateLimitBySender)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndIncrement(ctx, "burst@vendor.com")
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5), admitted.Load())
}

func TestDimension(t *testing.T) {
	bySender := New(nil, 1, config.RateLimitBySender)
	byDomain := New(nil, 1, config.RateLimitByDomain)

	d, err := bySender.Dimension("Accounts <AP@Vendor.com>")
	require.NoError(t, err)
	assert.Equal(t, "ap@vendor.com", d)

	d, err = byDomain.Dimension("ap@Vendor.com")
	require.NoError(t, err)
	assert.Equal(t, "vendor.com", d)

	_, err = byDomain.Dimension("no-domain")
	require.Error(t, err)
	_, err = bySender.Dimension("")
	require.Error(t, err)
}

func TestTTLUntilRollover(t *testing.T) {
	ttl := ttlUntilRollover(day)
	assert.Equal(t, 14*time.Hour+30*time.Minute+24*time.Hour, ttl)
}
