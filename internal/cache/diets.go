package cache

import (
	"context"
	"log/slog"
	"time"

	"nutri-de-bolso/internal/repo"
)

// jsonStore is the part of Redis the diet cache relies on.
type jsonStore interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// DietCache fronts a Store, keeping each user's current diet in Redis.
// Cache failures fall through to the store.
type DietCache struct {
	repo.Store
	cache  jsonStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewDietCache wraps store.
func NewDietCache(store repo.Store, cache jsonStore, ttl time.Duration, logger *slog.Logger) *DietCache {
	return &DietCache{
		Store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "diet_cache"),
	}
}

func dietKey(userID string) string {
	return "diet:" + userID
}

func (c *DietCache) GetCurrentDiet(ctx context.Context, userID string) (*repo.Diet, error) {
	var cached repo.Diet
	hit, err := c.cache.GetJSON(ctx, dietKey(userID), &cached)
	if err != nil {
		c.logger.Warn("read cached diet", "user_id", userID, "error", err)
	}
	if hit {
		return &cached, nil
	}

	diet, err := c.Store.GetCurrentDiet(ctx, userID)
	if err != nil || diet == nil {
		return diet, err
	}
	if err := c.cache.SetJSON(ctx, dietKey(userID), diet, c.ttl); err != nil {
		c.logger.Warn("cache diet", "user_id", userID, "error", err)
	}
	return diet, nil
}

func (c *DietCache) CreateDiet(ctx context.Context, userID string, content repo.DietContent, rawText *string) (*repo.Diet, error) {
	diet, err := c.Store.CreateDiet(ctx, userID, content, rawText)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, userID)
	return diet, nil
}

func (c *DietCache) UpdateDiet(ctx context.Context, dietID string, content repo.DietContent, rawText *string) (*repo.Diet, error) {
	diet, err := c.Store.UpdateDiet(ctx, dietID, content, rawText)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, diet.UserID)
	return diet, nil
}

func (c *DietCache) AdvanceWithDiet(ctx context.Context, userID string, from repo.Step, patch repo.UserPatch, content repo.DietContent, rawText *string) (*repo.User, *repo.Diet, error) {
	user, diet, err := c.Store.AdvanceWithDiet(ctx, userID, from, patch, content, rawText)
	if err != nil {
		return nil, nil, err
	}
	c.invalidate(ctx, userID)
	return user, diet, nil
}

func (c *DietCache) invalidate(ctx context.Context, userID string) {
	if err := c.cache.Delete(ctx, dietKey(userID)); err != nil {
		c.logger.Warn("invalidate cached diet", "user_id", userID, "error", err)
	}
}
