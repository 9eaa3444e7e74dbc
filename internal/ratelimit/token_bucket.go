package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a Redis token bucket keyed per user. Capacity caps bursts and
// refillPerSec restores sustained throughput.
type Limiter struct {
	rdb          *redis.Client
	capacity     int
	refillPerSec float64
}

func New(rdb *redis.Client, capacity int, refillPerSec float64) *Limiter {
	return &Limiter{rdb: rdb, capacity: capacity, refillPerSec: refillPerSec}
}

// bucketScript refills then spends one token in a single round trip.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'updated')
local tokens = tonumber(data[1])
local updated = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  updated = now
end

local elapsed = math.max(0, now - updated)
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'updated', now)
redis.call('EXPIRE', key, 3600)
return allowed
`)

// Allow reports whether the user may proceed, consuming one token if so.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := "ratelimit:" + userID
	now := float64(time.Now().UnixMilli()) / 1000.0
	res, err := bucketScript.Run(ctx, l.rdb, []string{key},
		l.capacity, l.refillPerSec, now).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return res == 1, nil
}
