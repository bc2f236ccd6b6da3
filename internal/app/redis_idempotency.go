/**
 * @description
 * Redis-backed implementation of the IdempotencyGuard interface. It sits in
 * front of the repository's authoritative payout claim as a distributed fast
 * path, so concurrently running service instances short-circuit duplicate
 * payouts without hitting the database.
 *
 * @dependencies
 * - context, fmt, time: Standard Go libraries.
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyKeyPrefix = "disbursement:payout:"

// RedisIdempotencyGuard claims payout keys via SET NX with a TTL. The TTL only
// bounds Redis memory; the repository claim remains the source of truth.
type RedisIdempotencyGuard struct {
	client *redis.Client
}

// NewRedisIdempotencyGuard creates a guard over an existing Redis client.
func NewRedisIdempotencyGuard(client *redis.Client) *RedisIdempotencyGuard {
	return &RedisIdempotencyGuard{client: client}
}

// Claim atomically claims the key. It returns false when another holder already
// claimed it within the TTL window.
func (g *RedisIdempotencyGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis idempotency claim: %w", err)
	}
	return ok, nil
}

// Release frees the key so a later run may retry the payout after a decisive
// failure.
func (g *RedisIdempotencyGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis idempotency release: %w", err)
	}
	return nil
}
