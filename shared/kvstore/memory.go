// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	set       map[string]struct{}
	expiresAt time.Time
}

func (it *memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// MemoryStore is an in-process Store. It is only shared by callers holding
// the same instance, so it suits single-node deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*memItem
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*memItem),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// live returns the item at key if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string) (*memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(m.now()) {
		delete(m.items, key)
		return nil, false
	}
	return it, true
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok || it.set != nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (m *MemoryStore) MGet(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if it, ok := m.live(k); ok && it.set == nil {
			out[k] = append([]byte(nil), it.value...)
		}
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = &memItem{
		value:     append([]byte(nil), value...),
		expiresAt: m.deadline(ttl),
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.live(key); ok {
		it.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	it, exists := m.live(key)
	if exists {
		current = append([]byte(nil), it.value...)
	}

	next, err := fn(current, exists)
	if err != nil {
		return nil, err
	}

	m.items[key] = &memItem{
		value:     append([]byte(nil), next...),
		expiresAt: m.deadline(ttl),
	}
	return next, nil
}

func (m *MemoryStore) AddMember(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok || it.set == nil {
		it = &memItem{set: make(map[string]struct{})}
		m.items[key] = it
	}
	it.set[member] = struct{}{}
	if ttl > 0 {
		it.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if it, ok := m.live(key); ok && it.set != nil {
		delete(it.set, member)
	}
	return nil
}

func (m *MemoryStore) Members(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.live(key)
	if !ok || it.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(it.set))
	for member := range it.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
