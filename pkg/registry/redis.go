package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const activeSetKey = "rental:runs:active"

// RedisStore is a shared registry backend for deployments where several
// hosts issue runs against the same marketplace credential.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redis at the given URL and verifies the
// connection before returning.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func runKey(runID string) string {
	return "rental:run:" + runID
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, runKey(rec.RunID), payload, 0).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, activeSetKey, rec.RunID).Err()
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Record, bool, error) {
	payload, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	runIDs, err := s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, runID := range runIDs {
		rec, ok, err := s.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Stale set member; drop it.
			_ = s.client.SRem(ctx, activeSetKey, runID).Err()
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, runKey(runID)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, activeSetKey, runID).Err()
}

// Close releases the redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
