package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/invoiceingest/internal/config"
)

func newValkey(t *testing.T) (*ValkeyCounter, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewValkeyCounter(s.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, s
}

func TestValkeyCounter_DeniesAtLimit(t *testing.T) {
	c, s := newValkey(t)
	ctx := context.Background()
	l := New(c, 2, config.RateLimitBySender).WithClock(clock(day))

	for i := 0; i < 2; i++ {
		d, err := l.CheckAndIncrement(ctx, "ap@vendor.com")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.CheckAndIncrement(ctx, "ap@vendor.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(2), d.Count)

	got, err := s.Get("ratelimit:ap@vendor.com:2025-06-10")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestValkeyCounter_SetsExpiry(t *testing.T) {
	c, s := newValkey(t)
	_, allowed, err := c.IncrementBelow(context.Background(), "k", 10, 90*time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
	assert.Equal(t, 90*time.Minute, s.TTL("ratelimit:k"))

	s.FastForward(91 * time.Minute)
	assert.False(t, s.Exists("ratelimit:k"))
}
