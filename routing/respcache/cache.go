// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package respcache is a content-addressed cache of model responses. The key
// is a SHA-256 fingerprint of the request fields that determine the answer.
// The cache is advisory: a miss or a store failure only costs a model call.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

// DefaultTTL applies when no TTL is configured.
const DefaultTTL = 300 * time.Second

// Lookup results reported to the result hook.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultError    = "error"
	ResultDisabled = "disabled"
)

// Tool is one tool definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Key holds the five fingerprinted request fields.
type Key struct {
	Model        string `json:"model"`
	FunctionName string `json:"function_name"`
	UserID       string `json:"user_id"`
	Prompt       string `json:"prompt"`
	Tools        []Tool `json:"tools,omitempty"`
}

// Usage is token accounting for a cached response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Entry is an immutable cached response.
type Entry struct {
	Response     json.RawMessage `json:"response"`
	Model        string          `json:"model"`
	Usage        Usage           `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Fingerprint hashes k deterministically. Every field is hashed as its raw
// bytes behind a length prefix, so no two distinct keys share an encoding.
// Tools are ordered by name and their parameter objects re-encoded with
// sorted keys, so equivalent tool specs hash the same regardless of how the
// caller serialized them.
func Fingerprint(k Key) (string, error) {
	type canonicalTool struct {
		name, description string
		params            []byte
	}
	tools := make([]canonicalTool, 0, len(k.Tools))
	for _, t := range k.Tools {
		params, err := canonicalJSON(t.Parameters)
		if err != nil {
			return "", fmt.Errorf("tool %q: %w", t.Name, err)
		}
		tools = append(tools, canonicalTool{name: t.Name, description: t.Description, params: params})
	}
	sort.SliceStable(tools, func(i, j int) bool { return tools[i].name < tools[j].name })

	h := sha256.New()
	field := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	field([]byte(fingerprintVersion))
	field([]byte(k.Model))
	field([]byte(k.FunctionName))
	field([]byte(k.UserID))
	field([]byte(k.Prompt))
	field([]byte(strconv.Itoa(len(tools))))
	for _, t := range tools {
		field([]byte(t.name))
		field([]byte(t.description))
		field(t.params)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

const fingerprintVersion = "respcache/v2"

// canonicalJSON re-encodes raw with sorted map keys. Invalid UTF-8 is
// rejected because decoding would replace it and merge distinct inputs.
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !utf8.Valid(raw) {
		return nil, errors.New("invalid parameters: not valid UTF-8")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	return json.Marshal(v)
}

// Cache stores Entries in the shared kvstore.
type Cache struct {
	kv       kvstore.Store
	ttl      time.Duration
	log      *logger.Logger
	now      func() time.Time
	onResult func(result string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithResultHook observes every Get outcome.
func WithResultHook(fn func(result string)) Option {
	return func(c *Cache) {
		c.onResult = fn
	}
}

// New creates a cache with the given TTL. ttl <= 0 disables it.
func New(kv kvstore.Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		kv:  kv,
		ttl: ttl,
		log: logger.New("respcache"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTTL returns a view over the same store with a different TTL.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ttl = ttl
	return &cp
}

// TTL returns the configured TTL.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c != nil && c.ttl > 0 && c.kv != nil
}

func (c *Cache) report(result string) {
	if c != nil && c.onResult != nil {
		c.onResult(result)
	}
}

func entryKey(fp string) string {
	return "respcache:" + fp
}

// Get returns the cached entry for k. Misses, disabled caches and store
// errors all return false.
func (c *Cache) Get(ctx context.Context, k Key) (*Entry, bool) {
	if !c.Enabled() {
		c.report(ResultDisabled)
		return nil, false
	}

	fp, err := Fingerprint(k)
	if err != nil {
		c.report(ResultError)
		return nil, false
	}

	data, err := c.kv.Get(ctx, entryKey(fp))
	if errors.Is(err, kvstore.ErrNotFound) {
		c.report(ResultMiss)
		return nil, false
	}
	if err != nil {
		c.log.WarnErr("", "", "response cache read failed", err, map[string]interface{}{"model": k.Model})
		c.report(ResultError)
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.report(ResultError)
		return nil, false
	}
	c.report(ResultHit)
	return &e, true
}

// Put stores e under k's fingerprint, replacing any previous entry. It is a
// no-op when the cache is disabled.
func (c *Cache) Put(ctx context.Context, k Key, e Entry) error {
	if !c.Enabled() {
		return nil
	}

	fp, err := Fingerprint(k)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now().UTC()
	}
	if e.Model == "" {
		e.Model = k.Model
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.kv.Set(ctx, entryKey(fp), data, c.ttl); err != nil {
		c.log.WarnErr("", "", "response cache write failed", err, map[string]interface{}{"model": k.Model})
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry for k.
func (c *Cache) Invalidate(ctx context.Context, k Key) error {
	if c == nil || c.kv == nil {
		return nil
	}
	fp, err := Fingerprint(k)
	if err != nil {
		return err
	}
	return c.kv.Delete(ctx, entryKey(fp))
}
