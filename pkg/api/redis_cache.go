package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the SharedCache backed by a redis server.
type RedisCache struct {
	client *redis.Client
	prefix string
	logf   func(string, ...any)
}

// OpenRedisCache connects to addr. An empty addr disables the tier and
// returns nil.
func OpenRedisCache(addr, pass string, db int, logf func(string, ...any)) *RedisCache {
	if addr == "" {
		return nil
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db}),
		prefix: "densitymap:",
		logf:   logf,
	}
}

// Ping checks the connection so main can log a misconfigured address early.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil && c.logf != nil {
			c.logf("redis get %s: %v", key, err)
		}
		return nil, false
	}
	return b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil && c.logf != nil {
		c.logf("redis set %s: %v", key, err)
	}
}

// Close releases the connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
