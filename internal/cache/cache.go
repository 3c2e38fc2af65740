package cache

import (
	"context"
	"time"

	"komisiku/backend/internal/domain"
)

// PromotionCache shields the store from the per-order active promotion
// lookup. A hit with a nil promotion means "no promotion is running"
// was cached.
type PromotionCache interface {
	Get(ctx context.Context, key string) (*domain.SeasonalPromotion, bool, error)
	Set(ctx context.Context, key string, value *domain.SeasonalPromotion, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopPromotionCache struct{}

func (NoopPromotionCache) Get(_ context.Context, _ string) (*domain.SeasonalPromotion, bool, error) {
	return nil, false, nil
}

func (NoopPromotionCache) Set(_ context.Context, _ string, _ *domain.SeasonalPromotion, _ time.Duration) error {
	return nil
}

func (NoopPromotionCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
