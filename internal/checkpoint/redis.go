package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long an abandoned checkpoint survives.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps checkpoints as JSON values under checkpoint:{run_id}.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. ttl <= 0 uses DefaultRedisTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{client: client, prefix: "checkpoint:", ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisStore) key(runID string) string { return r.prefix + runID }

func (r *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(cp.RunID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis checkpoint save error: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, runID string) (Checkpoint, error) {
	data, err := r.client.Get(ctx, r.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("redis checkpoint load error: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("corrupt checkpoint for run %s: %w", runID, err)
	}
	return cp, nil
}

func (r *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := r.client.Del(ctx, r.key(runID)).Err(); err != nil {
		return fmt.Errorf("redis checkpoint delete error: %w", err)
	}
	return nil
}
