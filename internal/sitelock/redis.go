package sitelock

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a Locker shared by several daemon replicas. The TTL bounds how long a crashed
// holder can block a site.
type Redis struct {
	rdb    redisClient
	prefix string
	ttl    time.Duration
}

var _ Locker = (*Redis)(nil)

// NewRedis constructs a Redis-backed locker.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	return NewRedisWithClient(rdb, prefix, ttl)
}

// NewRedisWithClient constructs a locker on any client exposing SetNX and Eval.
func NewRedisWithClient(rdb redisClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.Must(uuid.NewV4()).String()
	k := r.prefix + key
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		// Released with a fresh context: the caller's may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.rdb.Eval(ctx, releaseScript, []string{k}, token).Err()
	}, true, nil
}
