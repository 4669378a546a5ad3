package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Guard remembers which settlement signatures have already been acted on.
type Guard interface {
	// Admit marks signature processed and returns true only for the first caller.
	Admit(ctx context.Context, signature string) (bool, error)
	// IsProcessed reports whether signature was admitted before.
	IsProcessed(ctx context.Context, signature string) (bool, error)
}

// MemoryGuard keeps signatures for the life of the process.
type MemoryGuard struct {
	seen *cache.Cache
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: cache.New(cache.NoExpiration, 0)}
}

func (g *MemoryGuard) Admit(_ context.Context, signature string) (bool, error) {
	// Add fails when the key exists; the check and insert happen under one lock.
	return g.seen.Add(signature, time.Now().UTC(), cache.NoExpiration) == nil, nil
}

func (g *MemoryGuard) IsProcessed(_ context.Context, signature string) (bool, error) {
	_, found := g.seen.Get(signature)
	return found, nil
}

// RedisKeyPrefix namespaces guard keys.
const RedisKeyPrefix = "treasury:settlement:"

// RedisGuard shares the signature set between replicas. Keys never expire.
type RedisGuard struct {
	client redis.Cmdable
}

func NewRedisGuard(client redis.Cmdable) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Admit(ctx context.Context, signature string) (bool, error) {
	ok, err := g.client.SetNX(ctx, RedisKeyPrefix+signature, time.Now().UTC().Format(time.RFC3339), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis admit %s: %w", signature, err)
	}
	return ok, nil
}

func (g *RedisGuard) IsProcessed(ctx context.Context, signature string) (bool, error) {
	n, err := g.client.Exists(ctx, RedisKeyPrefix+signature).Result()
	if err != nil {
		return false, fmt.Errorf("redis lookup %s: %w", signature, err)
	}
	return n == 1, nil
}
