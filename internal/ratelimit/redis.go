package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore keeps a sorted set of call times per key, so every process
// pointed at the same Redis shares budgets.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore using keys "<prefix><class>:<client>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// slidingWindow trims expired calls and records this one only if it fits,
// in a single round trip so concurrent callers never see a call that is
// later withdrawn. Returns {allowed, count before this call, oldest score}.
var slidingWindow = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  allowed = 1
end
local first = ARGV[1]
if #oldest > 0 then
  first = oldest[2]
end
return {allowed, count, tostring(first)}
`)

func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	nowMicros := now.UnixMicro()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, s.client, []string{s.prefix + key},
		nowMicros,
		now.Add(-window).UnixMicro(),
		limit,
		member,
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	firstStr, _ := res[2].(string)
	firstMicros, err := strconv.ParseFloat(firstStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse oldest call score %q: %w", firstStr, err)
	}

	d := Decision{Limit: limit}
	d.Reset = time.UnixMicro(int64(firstMicros)).Add(window)

	if allowed == 0 {
		d.RetryAfter = d.Reset.Sub(now)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = limit - int(count) - 1
	return d, nil
}
