package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// incrementBelow returns the new count, or the negated current count when the
// key has already reached the limit.
const incrementBelow = `
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return -n
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return n
`

// ValkeyCounter runs the compare-and-increment as a server-side Lua script so
// it is atomic across service instances.
type ValkeyCounter struct {
	client valkey.Client
	script *valkey.Lua
	prefix string
}

// NewValkeyCounter connects to addr.
func NewValkeyCounter(addr, password string) (*ValkeyCounter, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		Password:     password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", addr, err)
	}
	return &ValkeyCounter{
		client: client,
		script: valkey.NewLuaScript(incrementBelow),
		prefix: "ratelimit:",
	}, nil
}

func (c *ValkeyCounter) IncrementBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	n, err := c.script.Exec(ctx, c.client,
		[]string{c.prefix + key},
		[]string{strconv.FormatInt(limit, 10), strconv.FormatInt(ttl.Milliseconds(), 10)},
	).AsInt64()
	if err != nil {
		return 0, false, err
	}
	if n <= 0 {
		return -n, false, nil
	}
	return n, true, nil
}

// Close releases the connection pool.
func (c *ValkeyCounter) Close() {
	c.client.Close()
}

var _ Counter = (*ValkeyCounter)(nil)
