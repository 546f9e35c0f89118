package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Redis keeps values under "<namespace>:v<version>:<key>".
type Redis struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

func NewRedis(client goredis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) versionKey() string {
	return r.namespace + ":version"
}

func (r *Redis) Version(ctx context.Context) (int64, error) {
	v, err := r.client.Get(ctx, r.versionKey()).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, err
	}
	return v, nil
}

func (r *Redis) key(version int64, key string) string {
	return fmt.Sprintf("%s:v%d:%s", r.namespace, version, key)
}

func (r *Redis) Get(ctx context.Context, version int64, key string, dst any) (bool, error) {
	payload, err := r.client.Get(ctx, r.key(version, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(payload, dst)
}

// Set writes under the given version. A value computed across an Invalidate
// lands under the old version, which no reader asks for anymore.
func (r *Redis) Set(ctx context.Context, version int64, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(version, key), payload, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context) error {
	return r.client.Incr(ctx, r.versionKey()).Err()
}
