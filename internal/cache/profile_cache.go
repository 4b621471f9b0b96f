package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"questduel/internal/model"
)

// ProfileCache keeps recently resolved player profiles
type ProfileCache interface {
	GetProfile(ctx context.Context, playerID string) (*model.PlayerProfile, error)
	SetProfile(ctx context.Context, profile *model.PlayerProfile) error
	DeleteProfile(ctx context.Context, playerID string) error
}

type profileCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProfileCache creates a new profile cache
func NewProfileCache(client *redis.Client, ttl time.Duration) ProfileCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &profileCache{client: client, ttl: ttl}
}

func (c *profileCache) key(playerID string) string {
	return fmt.Sprintf("questduel:profile:%s", playerID)
}

func (c *profileCache) GetProfile(ctx context.Context, playerID string) (*model.PlayerProfile, error) {
	data, err := c.client.Get(ctx, c.key(playerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var profile model.PlayerProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *profileCache) SetProfile(ctx context.Context, profile *model.PlayerProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(profile.ID), data, c.ttl).Err()
}

func (c *profileCache) DeleteProfile(ctx context.Context, playerID string) error {
	return c.client.Del(ctx, c.key(playerID)).Err()
}
