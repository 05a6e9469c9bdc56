// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kvstore defines the key-value capability the monitor consumes and
// provides a Redis-backed implementation plus an in-memory one for tests and
// degraded operation.
package kvstore

import (
	"context"
	"time"

	"bacmon.is/bacmon/internal/errors"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New(errors.KindNotFound, "key not found")

// Pipe is the batching surface exposed inside Pipeline. Commands are queued
// and executed together; errors surface from Pipeline itself.
type Pipe interface {
	Set(key, value string)
	Incr(key string)
	SAdd(key string, members ...string)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
}

// Store is the key-value capability required by the counting engine, alarm
// machinery, alert manager, and API. Values are strings; serialization is the
// caller's responsibility.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Incr(ctx context.Context, key string) (int64, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Scan(ctx context.Context, pattern string) ([]string, error)

	// Pipeline queues commands issued through the Pipe and executes them as
	// one batch.
	Pipeline(ctx context.Context, fn func(Pipe)) error

	Ping(ctx context.Context) error
	Close() error
}
