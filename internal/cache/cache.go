// Package cache stores listed course outlines so navigation reads skip the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/coursesummary/backend/internal/sections"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "summary:sections:"
	DefaultTTL   = 10 * time.Minute
	pingTimeout  = 5 * time.Second
	missingRedis = "redis client is required"
)

// RedisCache keeps course outlines as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, ttl)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New(missingRedis)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) key(courseID int64) string {
	return keyPrefix + strconv.FormatInt(courseID, 10)
}

func (c *RedisCache) Sections(ctx context.Context, courseID int64) ([]sections.PersistedSection, bool, error) {
	data, err := c.client.Get(ctx, c.key(courseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get course outline: %w", err)
	}
	var outline []sections.PersistedSection
	if err := json.Unmarshal(data, &outline); err != nil {
		return nil, false, fmt.Errorf("decode course outline: %w", err)
	}
	return outline, true, nil
}

func (c *RedisCache) StoreSections(ctx context.Context, courseID int64, outline []sections.PersistedSection) error {
	if outline == nil {
		outline = []sections.PersistedSection{}
	}
	data, err := json.Marshal(outline)
	if err != nil {
		return fmt.Errorf("encode course outline: %w", err)
	}
	if err := c.client.Set(ctx, c.key(courseID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store course outline: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, courseID int64) error {
	if err := c.client.Del(ctx, c.key(courseID)).Err(); err != nil {
		return fmt.Errorf("invalidate course outline: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NoopCache never stores anything; it is used when no redis URL is configured.
type NoopCache struct{}

func (NoopCache) Sections(context.Context, int64) ([]sections.PersistedSection, bool, error) {
	return nil, false, nil
}

func (NoopCache) StoreSections(context.Context, int64, []sections.PersistedSection) error {
	return nil
}

func (NoopCache) Invalidate(context.Context, int64) error {
	return nil
}
