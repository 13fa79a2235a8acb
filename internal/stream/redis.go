package stream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamPrefix is the Redis key prefix for streaming session hashes.
const StreamPrefix = "stream:"

// streamTTL caps the lifetime of a session key in Redis. It mirrors the
// sweeper's DefaultMaxAge so an abandoned session expires even if no sweep
// runs, with headroom for the sweep interval.
const streamTTL = DefaultMaxAge + DefaultSweepInterval

// RedisRegistry stores streaming sessions in Redis so a stop request accepted
// by one server instance reaches a generation running on another. It satisfies
// the same Registry contract as MemoryRegistry; Redis failures fail open
// (logged, zero-value result) rather than surfacing errors into the stop path.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry creates a registry backed by the given Redis client and
// verifies the connection.
func NewRedisRegistry(client *redis.Client) (*RedisRegistry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("stream: redis connection failed: %w", err)
	}

	return &RedisRegistry{client: client}, nil
}

func redisKey(key Key) string {
	return StreamPrefix + strconv.FormatInt(key.ChatID, 10) + ":" + strconv.FormatInt(key.UserID, 10)
}

// Start registers the session for key, replacing any prior entry.
func (r *RedisRegistry) Start(ctx context.Context, key Key, messageID int64) {
	k := redisKey(key)

	pipe := r.client.Pipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]interface{}{
		"message_id": messageID,
		"stop":       0,
		"created_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, k, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[stream] redis start %s failed: %v", k, err)
	}
}

// RequestStop sets the cancellation flag if a session exists.
func (r *RedisRegistry) RequestStop(ctx context.Context, key Key) bool {
	k := redisKey(key)

	exists, err := r.client.Exists(ctx, k).Result()
	if err != nil {
		log.Printf("[stream] redis exists %s failed: %v", k, err)
		return false
	}
	if exists == 0 {
		return false
	}
	if err := r.client.HSet(ctx, k, "stop", 1).Err(); err != nil {
		log.Printf("[stream] redis stop %s failed: %v", k, err)
		return false
	}
	return true
}

// IsStopRequested reports the cancellation flag; false for unknown keys and
// on Redis errors (the generation keeps going, the sweep/TTL cleans up).
func (r *RedisRegistry) IsStopRequested(ctx context.Context, key Key) bool {
	v, err := r.client.HGet(ctx, redisKey(key), "stop").Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[stream] redis hget %s failed: %v", redisKey(key), err)
		}
		return false
	}
	return v == "1"
}

// End removes the session unconditionally.
func (r *RedisRegistry) End(ctx context.Context, key Key) {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		log.Printf("[stream] redis del %s failed: %v", redisKey(key), err)
	}
}

// SweepStale scans session keys and removes those whose created_at is older
// than maxAge. Redis TTLs already bound the worst case; the sweep keeps the
// metrics honest and reclaims sessions early when maxAge is shortened.
func (r *RedisRegistry) SweepStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0

	iter := r.client.Scan(ctx, 0, StreamPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		v, err := r.client.HGet(ctx, k, "created_at").Result()
		if err != nil {
			continue
		}
		createdAt, err := strconv.ParseInt(v, 10, 64)
		if err != nil || createdAt >= cutoff {
			continue
		}
		if err := r.client.Del(ctx, k).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[stream] redis sweep scan failed: %v", err)
	}
	return removed
}
