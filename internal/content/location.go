package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const locationKeyPrefix = "postoffice:content:"

// LocationStore remembers where the content for a request key was stored, so
// a repeated peek replays the saved response instead of asking again.
type LocationStore interface {
	Get(ctx context.Context, requestKey string) (path string, found bool, err error)
	Put(ctx context.Context, requestKey, path string) error
	Delete(ctx context.Context, requestKey string) error
}

// RedisLocationStore keeps content locations in Redis with a TTL.
type RedisLocationStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisLocationStore(client redis.UniversalClient, ttl time.Duration) *RedisLocationStore {
	return &RedisLocationStore{client: client, ttl: ttl}
}

func (s *RedisLocationStore) Get(ctx context.Context, requestKey string) (string, bool, error) {
	path, err := s.client.Get(ctx, locationKeyPrefix+requestKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get content location: %w", err)
	}
	return path, true, nil
}

func (s *RedisLocationStore) Put(ctx context.Context, requestKey, path string) error {
	if err := s.client.Set(ctx, locationKeyPrefix+requestKey, path, s.ttl).Err(); err != nil {
		return fmt.Errorf("put content location: %w", err)
	}
	return nil
}

func (s *RedisLocationStore) Delete(ctx context.Context, requestKey string) error {
	if err := s.client.Del(ctx, locationKeyPrefix+requestKey).Err(); err != nil {
		return fmt.Errorf("delete content location: %w", err)
	}
	return nil
}
