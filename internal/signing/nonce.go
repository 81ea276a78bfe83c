package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNonceCache keys nonces by store so one store cannot burn another's.
type RedisNonceCache struct {
	redis *redis.Client
}

func NewRedisNonceCache(client *redis.Client) *RedisNonceCache {
	return &RedisNonceCache{redis: client}
}

func nonceKey(storeID, nonce string) string {
	return fmt.Sprintf("sig:nonce:%s:%s", storeID, nonce)
}

func (c *RedisNonceCache) Remember(ctx context.Context, storeID, nonce string, ttl time.Duration) (bool, error) {
	return c.redis.SetNX(ctx, nonceKey(storeID, nonce), 1, ttl).Result()
}
