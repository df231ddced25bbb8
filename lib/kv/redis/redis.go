/*
 * Pulse
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package redis implements the kv.KV interface on a Redis server.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/pulse/lib/kv"
)

// Config holds the Redis connection settings.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection when set.
	Password string
	// DB selects the logical database.
	DB int
	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing required value Addr")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	return nil
}

// KV is a Redis-backed implementation of kv.KV.
type KV struct {
	client redis.UniversalClient
	// ownsClient is false when the client was passed in from outside
	// and must outlive this store.
	ownsClient bool
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*KV, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, trace.Wrap(err, "pinging redis at %v", cfg.Addr)
	}
	return &KV{client: client, ownsClient: true}, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of
// the client's lifecycle.
func NewFromClient(client redis.UniversalClient) *KV {
	return &KV{client: client}
}

// Get returns the string value stored at key.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	v, err := k.client.Get(ctx, key).Result()
	if err != nil {
		return "", convertError(err)
	}
	return v, nil
}

// Set stores value at key with the given TTL.
func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return convertError(k.client.Set(ctx, key, value, ttl).Err())
}

// SetNX stores value only when key does not exist yet.
func (k *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := k.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, convertError(err)
	}
	return ok, nil
}

// Incr atomically increments the counter at key.
func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, convertError(err)
	}
	return n, nil
}

// Expire resets the TTL of an existing key.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return convertError(k.client.Expire(ctx, key, ttl).Err())
}

// Delete removes keys.
func (k *KV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return convertError(k.client.Del(ctx, keys...).Err())
}

// LPush prepends values to the list at key.
func (k *KV) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return convertError(k.client.LPush(ctx, key, args...).Err())
}

// LTrim keeps only the inclusive range [start, stop] of the list.
func (k *KV) LTrim(ctx context.Context, key string, start, stop int64) error {
	return convertError(k.client.LTrim(ctx, key, start, stop).Err())
}

// LRange returns the inclusive range [start, stop] of the list.
func (k *KV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := k.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, convertError(err)
	}
	return vals, nil
}

// LLen returns the length of the list at key.
func (k *KV) LLen(ctx context.Context, key string) (int64, error) {
	n, err := k.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, convertError(err)
	}
	return n, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (k *KV) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := k.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, convertError(err)
	}
	return n, nil
}

// Scan returns all keys matching the glob pattern.
func (k *KV) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := k.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, convertError(err)
	}
	return keys, nil
}

// Ping verifies the connection, used by the health prober.
func (k *KV) Ping(ctx context.Context) error {
	return convertError(k.client.Ping(ctx).Err())
}

// Close releases the client unless it is shared.
func (k *KV) Close() error {
	if !k.ownsClient {
		return nil
	}
	return trace.Wrap(k.client.Close())
}

// convertError maps go-redis errors to trace errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return trace.NotFound("key is not found")
	}
	return trace.Wrap(err)
}

var _ kv.KV = (*KV)(nil)
