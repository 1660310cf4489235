package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	LastSeenPrefix = "agent:last_seen:"
	StatusPrefix   = "agent:status:"

	opTimeout = 2 * time.Second
)

type Client interface {
	SetLastSeen(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error
	GetLastSeen(ctx context.Context, agentID string) (time.Time, error)
	ClearLastSeen(ctx context.Context, agentID string) error
	SetStatus(ctx context.Context, agentID, status string) error
	GetStatus(ctx context.Context, agentID string) (string, error)
	IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)
	SubscribeExpired(ctx context.Context) (*redis.PubSub, error)
	Close() error
}

// IsMiss reports whether err means the key does not exist.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL string, db int) (*RedisCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if db > 0 {
		opts.DB = db
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) SetLastSeen(ctx context.Context, agentID string, at time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return c.rdb.Set(ctx, LastSeenPrefix+agentID, at.UnixMilli(), ttl).Err()
}

func (c *RedisCache) GetLastSeen(ctx context.Context, agentID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, LastSeenPrefix+agentID).Result()
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last seen: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (c *RedisCache) ClearLastSeen(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return c.rdb.Del(ctx, LastSeenPrefix+agentID).Err()
}

func (c *RedisCache) SetStatus(ctx context.Context, agentID, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return c.rdb.Set(ctx, StatusPrefix+agentID, status, 0).Err()
}

func (c *RedisCache) GetStatus(ctx context.Context, agentID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return c.rdb.Get(ctx, StatusPrefix+agentID).Result()
}

// IncrWithTTL increments key and starts its expiry window on first use.
func (c *RedisCache) IncrWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SubscribeExpired listens for key expiry notifications. The server must run
// with notify-keyspace-events containing "Ex".
func (c *RedisCache) SubscribeExpired(ctx context.Context) (*redis.PubSub, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", c.rdb.Options().DB)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
