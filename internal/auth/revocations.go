package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocations keeps revoked token ids as plain keys that expire with the token.
type RedisRevocations struct {
	client *redis.Client
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke blacklists jti until ttl elapses.
func (r *RedisRevocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, jti, "revoked", ttl).Err()
}
