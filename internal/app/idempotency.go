/**
 * @description
 * Idempotency guard for mutating endpoints. The first request under a key
 * claims it with a SHA-256 hash of the payload; a replay with the same payload
 * is acknowledged without re-executing the operation, while a reuse of the key
 * with a different payload is rejected.
 *
 * @notes
 * - Keys are namespaced per environment so a staging replay can never collide
 *   with production.
 * - Claims expire after the configured TTL; a replay after expiry is treated
 *   as a fresh request.
 * - Only completed operations keep their claim. Handlers release the key when
 *   the operation errors, so a failed attempt never swallows the retry.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore claims idempotency keys. Claim returns the previously
// stored payload hash when the key already exists, and stored=true when this
// call created the claim. Release frees a claim whose operation did not
// complete, so the client's retry is processed instead of acknowledged as a
// duplicate.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, payloadHash string, ttl time.Duration) (existing string, stored bool, err error)
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore implements IdempotencyStore on Redis SET NX.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore creates a store namespaced under the given
// environment ("production" claims carry a .prod suffix).
func NewRedisIdempotencyStore(client *redis.Client, env string) *RedisIdempotencyStore {
	prefix := "idem:"
	if env == "production" {
		prefix = "idem.prod:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

// Claim atomically stores the payload hash under the key. When the key is
// already claimed the stored hash is returned unchanged.
func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, payloadHash string, ttl time.Duration) (string, bool, error) {
	fullKey := s.prefix + key
	ok, err := s.client.SetNX(ctx, fullKey, payloadHash, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return payloadHash, true, nil
	}
	existing, err := s.client.Get(ctx, fullKey).Result()
	if err != nil {
		if err == redis.Nil {
			// Claim expired between SetNX and Get; treat as fresh.
			return payloadHash, true, nil
		}
		return "", false, fmt.Errorf("failed to read idempotency claim: %w", err)
	}
	return existing, false, nil
}

// Release deletes a claim so the next request under the key is fresh.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// HashPayload returns the canonical hex SHA-256 digest used for claims.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CheckIdempotency validates an idempotency key against the request payload.
// fresh reports whether this call claimed the key; a replay with the same
// payload returns fresh=false so the caller can acknowledge without acting
// twice. A key reused with a different payload fails with
// ErrIdempotencyConflict; an absent key fails with ErrMissingIdempotencyKey.
func CheckIdempotency(ctx context.Context, store IdempotencyStore, key string, payload []byte, ttl time.Duration) (fresh bool, err error) {
	if key == "" {
		return false, ErrMissingIdempotencyKey
	}
	hash := HashPayload(payload)
	existing, stored, err := store.Claim(ctx, key, hash, ttl)
	if err != nil {
		return false, err
	}
	if existing != hash {
		return false, fmt.Errorf("key %s: %w", key, ErrIdempotencyConflict)
	}
	return stored, nil
}
