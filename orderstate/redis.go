package orderstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore caches order statuses so resync reads avoid the database.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func statusKey(orderID int64) string {
	return fmt.Sprintf("smartdine:order:%d:status", orderID)
}

const activeOrdersKey = "smartdine:orders:active"

// SetStatus stores the entry and tracks the order in the active set until
// it reaches a terminal status.
func (r *RedisStore) SetStatus(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, statusKey(e.OrderID), data, r.ttl)
	if e.Status.IsTerminal() {
		pipe.SRem(ctx, activeOrdersKey, e.OrderID)
	} else {
		pipe.SAdd(ctx, activeOrdersKey, e.OrderID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetStatus returns nil, nil on a cache miss.
func (r *RedisStore) GetStatus(ctx context.Context, orderID int64) (*Entry, error) {
	data, err := r.client.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	return &e, json.Unmarshal(data, &e)
}

func (r *RedisStore) ActiveOrderIDs(ctx context.Context) ([]int64, error) {
	members, err := r.client.SMembers(ctx, activeOrdersKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteStatus drops the cached status but keeps active set membership.
func (r *RedisStore) DeleteStatus(ctx context.Context, orderID int64) error {
	return r.client.Del(ctx, statusKey(orderID)).Err()
}

func (r *RedisStore) RemoveOrder(ctx context.Context, orderID int64) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, statusKey(orderID))
	pipe.SRem(ctx, activeOrdersKey, orderID)
	_, err := pipe.Exec(ctx)
	return err
}

// FlushAll drops every tracked order and the active set.
func (r *RedisStore) FlushAll(ctx context.Context) error {
	ids, err := r.ActiveOrderIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.RemoveOrder(ctx, id)
	}
	return r.client.Del(ctx, activeOrdersKey).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
