package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCooldownScript checks and records the last-seen timestamp
// atomically.
// KEYS[1] = cooldown key (e.g. "rate:user:123")
// ARGV[1] = cooldown seconds
// ARGV[2] = current unix timestamp (seconds)
// Returns {1, 0} when allowed, {0, retry_after_seconds} when denied.
var redisCooldownScript = redis.NewScript(`
local key = KEYS[1]
local cooldown = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local last = tonumber(redis.call("GET", key))
if last then
    local elapsed = now - last
    if elapsed < cooldown then
        return {0, math.ceil(cooldown - elapsed)}
    end
end

redis.call("SET", key, now, "EX", cooldown)
return {1, 0}
`)

// RedisStore implements Store on Redis. Keys self-expire after the
// cooldown so the keyspace stays bounded.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client (tests, clustering).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, cooldown time.Duration) (Decision, error) {
	secs := int64(cooldown / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := redisCooldownScript.Run(ctx, s.client,
		[]string{"rate:" + key}, secs, time.Now().Unix()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis cooldown: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("invalid response from cooldown script")
	}
	allowed, _ := vals[0].(int64)
	retry, _ := vals[1].(int64)

	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retry) * time.Second,
	}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
