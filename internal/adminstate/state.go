// Package adminstate remembers one pending multi-step admin action per
// operator. The state lives in the shared TTL store rather than in
// process memory, so it survives restarts and is visible to every
// instance.
package adminstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{Redis: rdb, TTL: ttl}
}

func (s *Store) key(chatID int64) string {
	return fmt.Sprintf("adminstate:%d", chatID)
}

// Get returns the pending action for the operator, or "" when none.
func (s *Store) Get(ctx context.Context, chatID int64) (string, error) {
	action, err := s.Redis.Get(ctx, s.key(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return action, err
}

func (s *Store) Set(ctx context.Context, chatID int64, action string) error {
	return s.Redis.Set(ctx, s.key(chatID), action, s.TTL).Err()
}

func (s *Store) Clear(ctx context.Context, chatID int64) error {
	return s.Redis.Del(ctx, s.key(chatID)).Err()
}
