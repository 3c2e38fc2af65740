package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"komisiku/backend/internal/domain"
)

type RedisPromotionCache struct {
	client *redis.Client
}

func NewRedisPromotionCache(addr string, password string, db int) *RedisPromotionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPromotionCache{client: client}
}

func (c *RedisPromotionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPromotionCache) Close() error {
	return c.client.Close()
}

// cachedPromotion distinguishes a cached "nothing active" answer from a
// cache miss.
type cachedPromotion struct {
	Promotion *domain.SeasonalPromotion `json:"promotion"`
}

func (c *RedisPromotionCache) Get(ctx context.Context, key string) (*domain.SeasonalPromotion, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry cachedPromotion
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, err
	}
	return entry.Promotion, true, nil
}

func (c *RedisPromotionCache) Set(ctx context.Context, key string, value *domain.SeasonalPromotion, ttl time.Duration) error {
	payload, err := json.Marshal(cachedPromotion{Promotion: value})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisPromotionCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
