package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpoint mirrors the cursor into Redis so a restarting service can
// resume without waiting on the database. Writes and reads are best-effort:
// every failure degrades to the SQL row.
type RedisCheckpoint struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCheckpoint builds a checkpoint with the given key TTL.
// A zero ttl means keys never expire.
func NewRedisCheckpoint(client *redis.Client, ttl time.Duration) *RedisCheckpoint {
	return &RedisCheckpoint{client: client, ttl: ttl}
}

func (r *RedisCheckpoint) key(serviceName string) string {
	return fmt.Sprintf("vaultstream:cursor:%s", serviceName)
}

// Hint returns the checkpointed position, if any.
func (r *RedisCheckpoint) Hint(ctx context.Context, serviceName string) (string, bool) {
	pos, err := r.client.Get(ctx, r.key(serviceName)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Degraded, not broken: the SQL cursor still resumes us.
			return "", false
		}
		return "", false
	}
	return pos, pos != ""
}

// Set records the position. Errors are returned for logging only; callers
// must not fail the event on a checkpoint miss.
func (r *RedisCheckpoint) Set(ctx context.Context, serviceName, position string) error {
	if err := r.client.Set(ctx, r.key(serviceName), position, r.ttl).Err(); err != nil {
		return fmt.Errorf("cursor: redis checkpoint %s: %w", serviceName, err)
	}
	return nil
}
