package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the sender's sorted set to the window, then
// either records the attempt or returns the oldest timestamp still inside.
// Returns {1, oldestMs} when limited and {0, 0} when admitted.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {1, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {0, 0}
`)

// RedisLimiter shares the sliding window between every process through one
// sorted set per sender.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, max int, window time.Duration) *RedisLimiter {
	if max < 1 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{rdb: rdb, prefix: "ratelimit:", max: max, window: window, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, senderID string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + senderID},
		now, l.window.Milliseconds(), l.max, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 || res[0] == 0 {
		return Decision{}, nil
	}

	retry := time.Duration(res[1]+l.window.Milliseconds()-now) * time.Millisecond
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Limited: true, RetryAfter: retry}, nil
}
