// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package kvstore is the shared low-latency store behind scorecards, circuit
// breakers, the response cache and runtime policy flags.
//
// Every router instance reads and writes the same keys; nothing here is
// cached in process. Production uses RedisStore. MemoryStore serves single
// process deployments and tests.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrConflict is returned by Update when optimistic retries are exhausted.
	ErrConflict = errors.New("kvstore: update conflict, retries exhausted")
)

// UpdateFunc computes the next value of a key from its current value.
// exists is false when the key is absent; current is then nil.
// Returning an error aborts the update without writing.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Store offers GET/SET/EXPIRE semantics plus an atomic read-modify-write and
// a small set type used as a key index. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns values for the keys that exist. Missing keys are absent
	// from the result.
	MGet(ctx context.Context, keys ...string) (map[string][]byte, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Update applies fn atomically: no concurrent writer's update to key is
	// lost. It returns the value written.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error)

	// AddMember adds member to the set at key and refreshes its ttl.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error

	// RemoveMember drops member from the set at key.
	RemoveMember(ctx context.Context, key, member string) error

	// Members lists the set at key. A missing set is empty, not an error.
	Members(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error

	Close() error
}
