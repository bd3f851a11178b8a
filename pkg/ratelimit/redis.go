package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrRedisAddrRequired = errors.New("ratelimit: redis address required")

// Attempts are members of a sorted set scored by their time in
// milliseconds. Members older than the window are trimmed before the
// set is counted.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local record = ARGV[4] == "1"
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  allowed = 1
  if record then
    redis.call("ZADD", KEYS[1], now, ARGV[5])
    redis.call("PEXPIRE", KEYS[1], window)
    count = count + 1
  end
end
local oldest = 0
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" mapstructure:"addr"`
	Password string `yaml:"password" json:"password" mapstructure:"password"`
	DB       int    `yaml:"db" json:"db" mapstructure:"db"`
}

type RedisLimiter struct {
	client *redis.Client
	config Config
	now    func() time.Time
}

func NewRedisLimiter(redisConfig RedisConfig, config Config, now func() time.Time) (*RedisLimiter, error) {
	if redisConfig.Addr == "" {
		return nil, ErrRedisAddrRequired
	}
	if now == nil {
		now = time.Now
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})
	return &RedisLimiter{
		client: client,
		config: config.withDefaults(),
		now:    now,
	}, nil
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	return r.run(ctx, key, true)
}

func (r *RedisLimiter) Peek(ctx context.Context, key string) (Decision, error) {
	return r.run(ctx, key, false)
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Verifies the server is reachable
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}

func (r *RedisLimiter) run(ctx context.Context, key string, record bool) (Decision, error) {
	now := r.now()
	flag := "0"
	if record {
		flag = "1"
	}
	result, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(),
		r.config.Window.Milliseconds(),
		r.config.Attempts,
		flag,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := result.([]any)
	if !ok || len(values) < 3 {
		return Decision{}, errors.New("ratelimit: unexpected redis response")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	oldest, _ := values[2].(int64)

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     r.config.Attempts,
		Remaining: r.config.Attempts - int(count),
		ResetAt:   now,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if oldest > 0 {
		d.ResetAt = time.UnixMilli(oldest).Add(r.config.Window)
	}
	return d, nil
}
