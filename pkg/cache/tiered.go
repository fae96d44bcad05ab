// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// L2 is a caller-supplied second tier consulted on L1 miss. Implementations
// need not be in-process; RedisL2 below backs it with Redis/Valkey.
type L2 interface {
	Load(ctx context.Context, key string) (any, bool, error)
	Store(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Tiered composes an in-process L1 Cache with an optional L2. A miss on L1
// delegates to L2 and, on an L2 hit, repopulates L1. Writes always go to L1
// and, if L2 is configured, write through to it as well.
type Tiered struct {
	L1  *Cache
	l2  L2
	ttl time.Duration
}

// NewTiered wraps l1 with an optional l2 (nil disables the second tier).
func NewTiered(l1 *Cache, l2 L2, ttl time.Duration) *Tiered {
	if ttl <= 0 {
		ttl = l1.cfg.TTL
	}
	return &Tiered{L1: l1, l2: l2, ttl: ttl}
}

// Get checks L1 first, then L2 on miss, repopulating L1 on an L2 hit.
func (t *Tiered) Get(ctx context.Context, key string) (any, bool, error) {
	if v, ok := t.L1.Get(key); ok {
		return v, true, nil
	}
	if t.l2 == nil {
		return nil, false, nil
	}
	v, ok, err := t.l2.Load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	t.L1.Set(key, v, 0)
	return v, true, nil
}

// Set writes to L1 and, if configured, write-through to L2.
func (t *Tiered) Set(ctx context.Context, key string, value any, byteEstimate int64) error {
	t.L1.Set(key, value, byteEstimate)
	if t.l2 == nil {
		return nil
	}
	return t.l2.Store(ctx, key, value, t.ttl)
}

// Delete removes key from both tiers. An L1 miss is not an error; an L2
// error is returned after L1 deletion has still taken effect.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	t.L1.Delete(key)
	if t.l2 == nil {
		return nil
	}
	return t.l2.Remove(ctx, key)
}

// Close stops the L1 sweep goroutine.
func (t *Tiered) Close() { t.L1.Close() }

// RedisL2 backs L2 with a Redis (or Valkey/DragonflyDB-compatible) client,
// JSON-encoding values via jsoniter for speed over encoding/json.
type RedisL2 struct {
	client *redis.Client
	prefix string
}

// NewRedisL2 wraps an existing *redis.Client. prefix namespaces keys so a
// shared Redis instance can host multiple caches without collision.
func NewRedisL2(client *redis.Client, prefix string) *RedisL2 {
	return &RedisL2{client: client, prefix: prefix}
}

func (r *RedisL2) key(k string) string { return r.prefix + k }

func (r *RedisL2) Load(ctx context.Context, key string) (any, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisL2) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

func (r *RedisL2) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
