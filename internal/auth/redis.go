package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// allowedUsersKey is the Redis set holding allowlisted requester IDs.
const allowedUsersKey = "autorag:allowed_users"

// RedisStore keeps the allowlist in a Redis set shared with the admin
// surface. The Gate only ever calls Contains; Add, Remove and List exist
// for the admin HTTP handlers.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Contains implements Store.
func (s *RedisStore) Contains(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, allowedUsersKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("checking allowlist: %w", err)
	}
	return ok, nil
}

// Add inserts ids into the allowlist.
func (s *RedisStore) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, allowedUsersKey, members...).Err(); err != nil {
		return fmt.Errorf("adding to allowlist: %w", err)
	}
	return nil
}

// Remove deletes id from the allowlist.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, allowedUsersKey, id).Err(); err != nil {
		return fmt.Errorf("removing from allowlist: %w", err)
	}
	return nil
}

// List returns every allowlisted id.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, allowedUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing allowlist: %w", err)
	}
	return ids, nil
}

// Seed adds ids only when the allowlist is empty, so defaults never
// resurrect identities an admin removed.
func (s *RedisStore) Seed(ctx context.Context, ids ...string) error {
	n, err := s.client.SCard(ctx, allowedUsersKey).Result()
	if err != nil {
		return fmt.Errorf("checking allowlist size: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.Add(ctx, ids...)
}
