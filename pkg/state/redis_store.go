package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entity aggregates in Redis so multiple scorer replicas
// can share behavioral state. Values are JSON under "entity:state:<id>".
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing Redis client. A ttl of 0 keeps states
// until explicitly expired by the operator.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisStateKey(entityID string) string {
	return fmt.Sprintf("entity:state:%s", entityID)
}

func (r *RedisStore) Get(ctx context.Context, entityID string) (*EntityState, error) {
	data, err := r.client.Get(ctx, redisStateKey(entityID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", entityID, err)
	}

	var st EntityState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", entityID, err)
	}
	if st.Services == nil {
		st.Services = make(map[string]bool)
	}
	if st.Origins == nil {
		st.Origins = make(map[string]bool)
	}
	return &st, nil
}

func (r *RedisStore) Put(ctx context.Context, st *EntityState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", st.EntityID, err)
	}
	if err := r.client.Set(ctx, redisStateKey(st.EntityID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", st.EntityID, err)
	}
	return nil
}
