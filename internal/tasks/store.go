package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists terminal task snapshots with a TTL equal to the
// retention window, so status queries keep working after in-memory
// eviction or a process restart.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection. A
// failed connection is an error; callers may choose to run without a
// store instead.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisStore{client: rdb, ttl: ttl}, nil
}

func snapshotKey(taskID string) string {
	return "parser:task:" + taskID
}

// Save writes a snapshot under the retention TTL.
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, snapshotKey(snap.ID), data, s.ttl).Err()
}

// Load reads a snapshot; (nil, nil) when absent.
func (s *RedisStore) Load(ctx context.Context, taskID string) (*Snapshot, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	data, err := s.client.Get(ctx, snapshotKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
