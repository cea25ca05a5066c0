package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

const nonceKeyPrefix = "nonce:"

// RedisNonceStore implements single-use nonce marking with SETNX, which gives
// the atomic check-and-set the replay defence depends on.
type RedisNonceStore struct {
	client redis.UniversalClient
}

var _ repository.NonceStore = (*RedisNonceStore)(nil)

// NewRedisNonceStore constructs a Redis-backed nonce store.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

// TryMarkUsed returns false when the key was already marked within its TTL.
func (s *RedisNonceStore) TryMarkUsed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, nonceKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark nonce used: %w", err)
	}
	return ok, nil
}
