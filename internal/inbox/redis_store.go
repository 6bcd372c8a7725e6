// Package inbox serves the cross-entry queue of annotations and the weekly
// trash-day gate, caching both in Redis in front of Postgres.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"catharsis/api/internal/annotation"
)

const (
	queueKey        = "queue"
	queueGenKey     = "queue_gen"
	lastReviewedKey = "last_reviewed"
)

// RedisStore caches the projected queue and the last trash-day review.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "catharsis:inbox:"}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

// QueueGeneration returns the invalidation counter. Zero means the queue was
// never invalidated.
func (s *RedisStore) QueueGeneration(ctx context.Context) (int64, error) {
	gen, err := s.client.Get(ctx, s.key(queueGenKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load queue generation: %w", err)
	}
	return gen, nil
}

// SaveQueue caches the projection for ttl, but only while the generation is
// still the one read before the projection was built. It reports false when
// an invalidation got there first. A ttl of zero keeps the projection until
// the next invalidation.
func (s *RedisStore) SaveQueue(ctx context.Context, queue []annotation.QueueEntry, generation int64, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(queue)
	if err != nil {
		return false, fmt.Errorf("marshal queue: %w", err)
	}
	genKey := s.key(queueGenKey)
	stored := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key(queueKey), payload, ttl)
			return nil
		})
		stored = err == nil
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("save queue: %w", err)
	}
	return stored, nil
}

// LoadQueue reports ok=false on a cache miss.
func (s *RedisStore) LoadQueue(ctx context.Context) ([]annotation.QueueEntry, bool, error) {
	payload, err := s.client.Get(ctx, s.key(queueKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load queue: %w", err)
	}
	var queue []annotation.QueueEntry
	if err := json.Unmarshal(payload, &queue); err != nil {
		return nil, false, fmt.Errorf("unmarshal queue: %w", err)
	}
	return queue, true, nil
}

// InvalidateQueue drops the projection and bumps the generation, so a
// projection built from older data can no longer be cached.
func (s *RedisStore) InvalidateQueue(ctx context.Context) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, s.key(queueGenKey))
		pipe.Del(ctx, s.key(queueKey))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate queue: %w", err)
	}
	return nil
}

// LastReviewed reports ok=false when nothing is cached.
func (s *RedisStore) LastReviewed(ctx context.Context) (time.Time, bool, error) {
	millis, err := s.client.Get(ctx, s.key(lastReviewedKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load last reviewed: %w", err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

func (s *RedisStore) SetLastReviewed(ctx context.Context, at time.Time) error {
	if err := s.client.Set(ctx, s.key(lastReviewedKey), at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("save last reviewed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
