package classifier

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jxucoder/forgeline/pkg/model"
)

const redisKeyPrefix = "forgeline:classify:"

// RedisCache shares classification results between Forgeline instances.
// Redis failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db).
func NewRedisCache(ctx context.Context, url string, ttl time.Duration, logger zerolog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "classifier-cache").Logger(),
	}, nil
}

// Get returns the cached kind for key.
func (c *RedisCache) Get(ctx context.Context, key string) (model.OperationKind, bool) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Msg("redis get failed")
		}
		return "", false
	}
	kind, ok := model.ParseOperationKind(val)
	return kind, ok
}

// Set stores kind under key with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, key string, kind model.OperationKind) {
	if err := c.client.Set(ctx, redisKeyPrefix+key, string(kind), c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis set failed")
	}
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
