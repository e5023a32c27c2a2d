package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "auth:session:"

// RedisCache 在 SessionStore 前面加一層 Redis 快取（cache-aside）
//
// 快取的 TTL 不超過 Session 剩餘的有效期。只快取成功的查詢。
// Redis 出錯時直接查詢內層，握手不因快取不可用而失敗。
type RedisCache struct {
	client *redis.Client
	inner  SessionStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache 建立 RedisCache
func NewRedisCache(client *redis.Client, inner SessionStore, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, inner: inner, ttl: ttl, logger: logger}
}

// Lookup 實作 SessionStore
func (c *RedisCache) Lookup(ctx context.Context, token string) (SessionRecord, error) {
	key := cacheKeyPrefix + token

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rec SessionRecord
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil && time.Now().Before(rec.ExpiresAt) {
			return rec, nil
		}
		// 內容損毀或已過期，交給內層處理
		c.client.Del(ctx, key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("session 快取不可用", "error", err)
	}

	rec, err := c.inner.Lookup(ctx, token)
	if err != nil {
		return SessionRecord{}, err
	}

	ttl := c.ttl
	if remaining := time.Until(rec.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		if data, err := json.Marshal(rec); err == nil {
			if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
				c.logger.Warn("寫入 session 快取失敗", "error", err)
			}
		}
	}
	return rec, nil
}

// Invalidate 移除快取（登出時使用）
func (c *RedisCache) Invalidate(ctx context.Context, token string) error {
	return c.client.Del(ctx, cacheKeyPrefix+token).Err()
}
