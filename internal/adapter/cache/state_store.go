package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

const stateKeyPrefix = "protocol_state:"

// RedisStateStore implements ProtocolStateStore backed by Redis. Durability is
// expiration-bounded; callers must tolerate eventual cross-instance visibility.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ repository.ProtocolStateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed protocol state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Store persists the correlation blob with TTL.
func (s *RedisStateStore) Store(ctx context.Context, id string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, stateKeyPrefix+id, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist protocol state: %w", err)
	}
	return nil
}

// Get loads the blob, returning ErrNotFound once the TTL has lapsed.
func (s *RedisStateStore) Get(ctx context.Context, id string) ([]byte, error) {
	payload, err := s.client.Get(ctx, stateKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("load protocol state: %w", err)
	}
	return payload, nil
}

// Remove deletes the correlation blob.
func (s *RedisStateStore) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, stateKeyPrefix+id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete protocol state: %w", err)
	}
	return nil
}
