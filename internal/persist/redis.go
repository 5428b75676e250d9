// Package persist provides the job-state KV store (Redis) and the durable
// report archive (Postgres). Both are optional: a nil handle turns its half
// of the store into a no-op, and the Manager treats every write as
// best-effort.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finbrief/finbrief/config"
	"github.com/finbrief/finbrief/internal/jobs"
)

const jobKeyPrefix = "job:"

// Conn opens and pings a Redis client.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}
	return client, nil
}

func (s *Store) jobKey(id string) string { return jobKeyPrefix + id }

// PutJob stores the job snapshot as JSON under job:<id> with the configured
// TTL.
func (s *Store) PutJob(ctx context.Context, snap *jobs.Snapshot) error {
	if s == nil || s.kv == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", snap.ID, err)
	}
	if err := s.kv.Set(ctx, s.jobKey(snap.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("put job %s: %w", snap.ID, err)
	}
	return nil
}

// GetJob rehydrates a job snapshot; (nil, nil) when the key is absent.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Snapshot, error) {
	if s == nil || s.kv == nil {
		return nil, nil
	}
	val, err := s.kv.Get(ctx, s.jobKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var snap jobs.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &snap, nil
}

// DeleteJob removes a stored snapshot.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if s == nil || s.kv == nil {
		return nil
	}
	return s.kv.Del(ctx, s.jobKey(id)).Err()
}

// ttlOrDefault keeps snapshots around for a day when no TTL is configured.
func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
