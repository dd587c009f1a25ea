// Copyright 2025 James Ross
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisBackend persists the journal as a Redis list, one JSON record
// per element. Appends are O(1) RPUSHes; compaction rewrites the list
// atomically through a pipeline.
type RedisBackend struct {
	rdb *redis.Client
	key string
}

func NewRedisBackend(rdb *redis.Client, key string) *RedisBackend {
	return &RedisBackend{rdb: rdb, key: key}
}

func (r *RedisBackend) Load() ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := r.rdb.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load journal list: %w", err)
	}
	recs := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode journal record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *RedisBackend) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.rdb.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

func (r *RedisBackend) Rewrite(records []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.key)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode journal record: %w", err)
		}
		pipe.RPush(ctx, r.key, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rewrite journal list: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error { return nil }
