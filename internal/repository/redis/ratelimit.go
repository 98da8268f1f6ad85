package redisrepo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set scored by milliseconds.
// KEYS[1] = key
// ARGV[1] = now_ms
// ARGV[2] = window_ms
// ARGV[3] = limit
// ARGV[4] = member (unique)
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, 'NX', now, member)
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window)

if count > limit then
  local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local earliestScore = tonumber(earliest[2]) or (now - window)
  local retry_ms = window - (now - earliestScore)
  if retry_ms < 0 then retry_ms = 0 end
  return {0, count, retry_ms}
end
return {1, count, 0}
`

// Count-only variant: trims the window and returns its size without adding.
// KEYS[1] = key
// ARGV[1] = now_ms
// ARGV[2] = window_ms
const luaWindowCount = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
return redis.call('ZCARD', key)
`

type SlidingWindowLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	script *redis.Script
	now    func() time.Time
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	prefix string,
	limit int,
	window time.Duration,
) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaSlidingWindow),
		now:    time.Now,
	}
}

func (l *SlidingWindowLimiter) key(suffix string) string {
	return KeyRateLimit(l.prefix, suffix)
}

// Allow records a hit for suffix and reports whether it stays within limit.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, suffix string) (allowed bool, current int64, retryAfter time.Duration, err error) {
	res, err := l.script.Run(
		ctx,
		l.rdb,
		[]string{l.key(suffix)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, randomHex(12),
	).Result()
	if err != nil {
		return false, 0, 0, err
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, 0, fmt.Errorf("bad script result: %v", res)
	}

	allowed = toInt(arr[0]) == 1
	current = toInt(arr[1])
	retryAfter = time.Duration(toInt(arr[2])) * time.Millisecond

	return
}

// SlidingWindowCounter counts signals per key over a rolling window. It backs
// the per-event surge rate shared by every instance.
type SlidingWindowCounter struct {
	rdb    *redis.Client
	window time.Duration
	hit    *redis.Script
	count  *redis.Script
}

func NewSlidingWindowCounter(rdb *redis.Client, window time.Duration) *SlidingWindowCounter {
	return &SlidingWindowCounter{
		rdb:    rdb,
		window: window,
		hit:    redis.NewScript(luaSlidingWindow),
		count:  redis.NewScript(luaWindowCount),
	}
}

// Hit records one signal for eventID at now and returns the window size.
func (c *SlidingWindowCounter) Hit(ctx context.Context, eventID string, now time.Time) (int64, error) {
	const op = "redisrepo.SlidingWindowCounter.Hit"

	// The limit is unused here; pass the largest value Lua compares safely.
	res, err := c.hit.Run(
		ctx,
		c.rdb,
		[]string{KeySurgeWindow(eventID)},
		now.UnixMilli(), c.window.Milliseconds(), 1<<52, randomHex(12),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return 0, fmt.Errorf("%s: bad script result: %v", op, res)
	}

	return toInt(arr[1]), nil
}

func (c *SlidingWindowCounter) Count(ctx context.Context, eventID string, now time.Time) (int64, error) {
	const op = "redisrepo.SlidingWindowCounter.Count"

	res, err := c.count.Run(
		ctx,
		c.rdb,
		[]string{KeySurgeWindow(eventID)},
		now.UnixMilli(), c.window.Milliseconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return toInt(res), nil
}

func (c *SlidingWindowCounter) Reset(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, KeySurgeWindow(eventID)).Err()
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var x int64
		fmt.Sscan(t, &x)
		return x
	default:
		return 0
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
