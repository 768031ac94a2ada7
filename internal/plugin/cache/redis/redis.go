package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/taskdeck/upload-service/internal/config"
	registrycache "github.com/taskdeck/upload-service/internal/registry/cache"
)

const defaultTTL = time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.AccessCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: UPLOAD_SERVICE_REDIS_URL is required")
	}
	ttl := cfg.AccessCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates an access cache with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.AccessCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisAccessCache{client: client, ttl: ttl}, nil
}

type redisAccessCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func accessKey(userID string) string {
	return "access-projects:" + userID
}

func (c *redisAccessCache) Available() bool {
	return true
}

func (c *redisAccessCache) GetProjects(ctx context.Context, userID string) ([]uuid.UUID, bool, error) {
	data, err := c.client.Get(ctx, accessKey(userID)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

func (c *redisAccessCache) SetProjects(ctx context.Context, userID string, projectIDs []uuid.UUID, ttl time.Duration) error {
	if projectIDs == nil {
		projectIDs = []uuid.UUID{}
	}
	data, err := json.Marshal(projectIDs)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, accessKey(userID), data, ttl).Err()
}

func (c *redisAccessCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, accessKey(userID)).Err()
}

var _ registrycache.AccessCache = (*redisAccessCache)(nil)
