package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MatchLockCache is the shared active-match set. A player holding a mark is
// in a live match and must not be paired again.
type MatchLockCache interface {
	// Mark sets every player's mark to matchID, or none of them if any is already marked
	Mark(ctx context.Context, matchID string, playerIDs ...string) (bool, error)
	Active(ctx context.Context, playerIDs ...string) (map[string]bool, error)
	MatchFor(ctx context.Context, playerID string) (string, error)
	// Release clears marks that still point at matchID
	Release(ctx context.Context, matchID string, playerIDs ...string) error
}

var markScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	if redis.call('EXISTS', key) == 1 then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call('SET', key, ARGV[1], 'PX', ARGV[2])
end
return 1
`)

var releaseScript = redis.NewScript(`
local released = 0
for i, key in ipairs(KEYS) do
	if redis.call('GET', key) == ARGV[1] then
		redis.call('DEL', key)
		released = released + 1
	end
end
return released
`)

type matchLockCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMatchLockCache creates the lock set. ttl bounds how long a mark outlives
// a crashed battle.
func NewMatchLockCache(client *redis.Client, ttl time.Duration) MatchLockCache {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &matchLockCache{client: client, ttl: ttl}
}

func (c *matchLockCache) key(playerID string) string {
	return fmt.Sprintf("questduel:active:%s", playerID)
}

func (c *matchLockCache) keys(playerIDs []string) []string {
	keys := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		keys[i] = c.key(id)
	}
	return keys
}

func (c *matchLockCache) Mark(ctx context.Context, matchID string, playerIDs ...string) (bool, error) {
	if len(playerIDs) == 0 {
		return false, nil
	}
	ok, err := markScript.Run(ctx, c.client, c.keys(playerIDs), matchID, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (c *matchLockCache) Active(ctx context.Context, playerIDs ...string) (map[string]bool, error) {
	active := make(map[string]bool, len(playerIDs))
	if len(playerIDs) == 0 {
		return active, nil
	}
	vals, err := c.client.MGet(ctx, c.keys(playerIDs)...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v != nil {
			active[playerIDs[i]] = true
		}
	}
	return active, nil
}

func (c *matchLockCache) MatchFor(ctx context.Context, playerID string) (string, error) {
	matchID, err := c.client.Get(ctx, c.key(playerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return matchID, err
}

func (c *matchLockCache) Release(ctx context.Context, matchID string, playerIDs ...string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	return releaseScript.Run(ctx, c.client, c.keys(playerIDs), matchID).Err()
}
