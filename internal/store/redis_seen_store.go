package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSeenStore implements SeenStore for Redis. Keys expire after the
// configured TTL so targets become eligible again once the entry ages
// out.
type RedisSeenStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSeenStore creates a new Redis seen store.
func NewRedisSeenStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisSeenStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSeenStore{client: client, logger: logger}, nil
}

// Seen reports whether the target was already processed.
func (s *RedisSeenStore) Seen(ctx context.Context, resourceID, targetID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.buildKey(resourceID, targetID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check seen target: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records the target as processed with a TTL.
func (s *RedisSeenStore) MarkSeen(ctx context.Context, resourceID, targetID string, ttl time.Duration) error {
	key := s.buildKey(resourceID, targetID)
	if err := s.client.Set(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark target seen: %w", err)
	}

	s.logger.Debug("Marked target seen",
		zap.String("resource_id", resourceID),
		zap.String("target_id", targetID),
		zap.Duration("ttl", ttl))

	return nil
}

// Ping checks the Redis connection.
func (s *RedisSeenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisSeenStore) Close() error {
	return s.client.Close()
}

func (s *RedisSeenStore) buildKey(resourceID, targetID string) string {
	return fmt.Sprintf("seen:%s:%s", resourceID, targetID)
}
