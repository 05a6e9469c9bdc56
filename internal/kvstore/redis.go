// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"bacmon.is/bacmon/internal/errors"
	"bacmon.is/bacmon/internal/logging"
)

// RedisConfig holds connection parameters for the backing store.
type RedisConfig struct {
	Host         string
	Port         int
	DB           int
	Password     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultRedisConfig returns the standard localhost configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// RedisStore implements Store over go-redis with bounded retries. Operations
// that exhaust their retries on a transient error count as dropped updates so
// the monitor can report degraded operation.
type RedisStore struct {
	client  *redis.Client
	cfg     RedisConfig
	log     *logging.Logger
	dropped atomic.Uint64
	retries atomic.Uint64
}

// NewRedisStore dials the configured server. The connection is verified
// lazily; call Ping to check liveness.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   -1, // retry handled here, not by the driver
	})
	return &RedisStore{
		client: client,
		cfg:    cfg,
		log:    logging.WithComponent("kvstore"),
	}
}

// DroppedUpdates reports how many operations were abandoned after exhausting
// retries.
func (s *RedisStore) DroppedUpdates() uint64 { return s.dropped.Load() }

// Retries reports how many transient failures were retried.
func (s *RedisStore) Retries() uint64 { return s.retries.Load() }

// retry runs op with exponential backoff, up to MaxRetries attempts beyond
// the first. redis.Nil is not retried.
func (s *RedisStore) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err = op()
		if err == nil || err == redis.Nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.cfg.MaxRetries {
			s.retries.Add(1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.KindTimeout, name)
			}
			backoff *= 2
		}
	}
	s.dropped.Add(1)
	s.log.Warn("operation dropped after retries", "op", name, "error", err)
	return errors.Wrap(err, errors.KindStore, name)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := s.retry(ctx, "get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		val = v
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.retry(ctx, "set", func() error {
		return s.client.Set(ctx, key, value, 0).Err()
	})
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	return s.retry(ctx, "del", func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.retry(ctx, "exists", func() error {
		v, err := s.client.Exists(ctx, key).Result()
		n = v
		return err
	})
	return n > 0, err
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := s.retry(ctx, "ttl", func() error {
		v, err := s.client.TTL(ctx, key).Result()
		d = v
		return err
	})
	return d, err
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.retry(ctx, "sadd", func() error {
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.retry(ctx, "srem", func() error {
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.retry(ctx, "smembers", func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.retry(ctx, "lpush", func() error {
		return s.client.LPush(ctx, key, args...).Err()
	})
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.retry(ctx, "lrange", func() error {
		v, err := s.client.LRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, "llen", func() error {
		v, err := s.client.LLen(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.retry(ctx, "ltrim", func() error {
		return s.client.LTrim(ctx, key, start, stop).Err()
	})
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.retry(ctx, "incr", func() error {
		v, err := s.client.Incr(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := s.retry(ctx, "hget", func() error {
		v, err := s.client.HGet(ctx, key, field).Result()
		val = v
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.retry(ctx, "hset", func() error {
		return s.client.HSet(ctx, key, field, value).Err()
	})
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.retry(ctx, "hgetall", func() error {
		v, err := s.client.HGetAll(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.retry(ctx, "hdel", func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

// Scan walks the keyspace with SCAN; never KEYS, which blocks the server.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.retry(ctx, "scan", func() error {
		out = out[:0]
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			out = append(out, keys...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return out, err
}

type redisPipe struct {
	p redis.Pipeliner
}

func (rp redisPipe) Set(key, value string) { rp.p.Set(context.Background(), key, value, 0) }
func (rp redisPipe) Incr(key string)       { rp.p.Incr(context.Background(), key) }
func (rp redisPipe) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	rp.p.SAdd(context.Background(), key, args...)
}
func (rp redisPipe) LPush(key string, values ...string) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	rp.p.LPush(context.Background(), key, args...)
}
func (rp redisPipe) LTrim(key string, start, stop int64) {
	rp.p.LTrim(context.Background(), key, start, stop)
}

func (s *RedisStore) Pipeline(ctx context.Context, fn func(Pipe)) error {
	return s.retry(ctx, "pipeline", func() error {
		p := s.client.Pipeline()
		fn(redisPipe{p: p})
		_, err := p.Exec(ctx)
		return err
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "redis ping")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
