// Package ratelimit enforces a per-day ceiling on inbound messages per sender
// or sender domain. Counters are keyed by dimension and UTC day, so they roll
// over without explicit expiry.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/invoiceingest/internal/config"
)

// DayLayout formats the day bucket of a counter key.
const DayLayout = "2006-01-02"

// Counter atomically increments key unless it has already reached limit.
// It returns the count after the operation and whether the increment happened.
// A denied call must leave the stored count unchanged.
type Counter interface {
	IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, allowed bool, err error)
}

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed bool
	Key     string
	Count   int64
	Limit   int64
}

// Limiter applies the daily ceiling.
type Limiter struct {
	counter Counter
	limit   int64
	by      string
	now     func() time.Time
}

// New creates a Limiter. A limit of zero or less disables limiting.
func New(counter Counter, limit int64, by string) *Limiter {
	if by == "" {
		by = config.RateLimitBySender
	}
	return &Limiter{counter: counter, limit: limit, by: by, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Dimension derives the counter dimension for a sender address.
func (l *Limiter) Dimension(sender string) (string, error) {
	addr := config.NormalizeAddress(sender)
	if addr == "" {
		return "", errors.New("sender address is empty")
	}
	if l.by != config.RateLimitByDomain {
		return addr, nil
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || at == len(addr)-1 {
		return "", fmt.Errorf("sender %q has no domain", sender)
	}
	return addr[at+1:], nil
}

// Key returns the counter key for dimension on the current UTC day.
func (l *Limiter) Key(dimension string) string {
	return dimension + ":" + l.now().UTC().Format(DayLayout)
}

// CheckAndIncrement consumes one unit of today's quota for dimension.
func (l *Limiter) CheckAndIncrement(ctx context.Context, dimension string) (Decision, error) {
	key := l.Key(dimension)
	if l.limit <= 0 {
		return Decision{Allowed: true, Key: key, Limit: l.limit}, nil
	}
	count, allowed, err := l.counter.IncrementBelow(ctx, key, l.limit, ttlUntilRollover(l.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate-limit counter %s: %w", key, err)
	}
	return Decision{Allowed: allowed, Key: key, Count: count, Limit: l.limit}, nil
}

// ttlUntilRollover keeps counters one extra day so late reads of the previous
// bucket still see their value.
func ttlUntilRollover(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now) + 24*time.Hour
}
