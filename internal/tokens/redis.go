package tokens

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dedup:"

// RedisSet backs the token set with Redis so multiple engine processes share
// one replay-protection domain. SetNX gives the atomic check-and-set.
type RedisSet struct {
	client *redis.Client
}

// NewRedisSet creates a Redis-backed token set.
func NewRedisSet(addr string) *RedisSet {
	return &RedisSet{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (s *RedisSet) Seen(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSet) Claim(ctx context.Context, token string) (bool, error) {
	// Tokens are never released; readings are an append-only audit trail.
	ok, err := s.client.SetNX(ctx, keyPrefix+token, 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim token: %w", err)
	}
	return ok, nil
}

// Close closes the underlying Redis client.
func (s *RedisSet) Close() error {
	return s.client.Close()
}
