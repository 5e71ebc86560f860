package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend over prefixed string keys. Put runs in MULTI/EXEC.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

// DialRedis opens a client that Close shuts down.
func DialRedis(ctx context.Context, addr string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb, prefix: prefix, owned: true}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.rdb.MGet(ctx, full...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) Put(ctx context.Context, set map[string]string, remove ...string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(remove) > 0 {
			full := make([]string, len(remove))
			for i, k := range remove {
				full[i] = r.key(k)
			}
			p.Del(ctx, full...)
		}
		for k, v := range set {
			p.Set(ctx, r.key(k), v, 0)
		}
		return nil
	})
	return err
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
