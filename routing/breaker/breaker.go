// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package breaker implements per-provider circuit breakers whose state lives
// in the shared kvstore, so every router instance sees the same health.
//
// State machine:
//
//	closed    --N consecutive failures-->  open
//	open      --cooldown elapsed (read)-->  half_open
//	half_open --success-->                 closed
//	half_open --failure-->                 open (OpenedAt re-stamped)
//
// There is no background timer; half_open is derived on read.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

// Status is the breaker position.
type Status string

const (
	Closed   Status = "closed"
	Open     Status = "open"
	HalfOpen Status = "half_open"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 60 * time.Second
)

// State is the stored breaker record for one provider.
type State struct {
	Provider            string    `json:"provider"`
	Status              Status    `json:"status"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Config holds the tunables.
type Config struct {
	Threshold uint32
	Cooldown  time.Duration
}

// DefaultConfig returns 3 failures / 60s.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Cooldown: DefaultCooldown}
}

// Breaker reads and transitions provider breakers.
type Breaker struct {
	kv      kvstore.Store
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
	onTrans func(provider string, from, to Status)
	onError func(op string, err error)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithTransitionHook is called after each stored status change.
func WithTransitionHook(fn func(provider string, from, to Status)) Option {
	return func(b *Breaker) {
		b.onTrans = fn
	}
}

// WithErrorHook is called for swallowed store errors ("breaker_read",
// "breaker_write").
func WithErrorHook(fn func(op string, err error)) Option {
	return func(b *Breaker) {
		b.onError = fn
	}
}

// New creates a Breaker. Zero config fields take the defaults.
func New(kv kvstore.Store, cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	b := &Breaker{
		kv:  kv,
		cfg: cfg,
		log: logger.New("breaker"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

func stateKey(provider string) string {
	return "breaker:" + provider
}

// effective derives half_open from an open record whose cooldown elapsed.
func (b *Breaker) effective(s State) State {
	if s.Status == Open && !b.now().Before(s.OpenedAt.Add(b.cfg.Cooldown)) {
		s.Status = HalfOpen
	}
	return s
}

// stateTTL keeps records around long enough to outlive any cooldown.
func (b *Breaker) stateTTL() time.Duration {
	ttl := 10 * b.cfg.Cooldown
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

func (b *Breaker) fail(op, provider string, err error) {
	b.log.WarnErr("", "", "breaker store "+op+" failed", err, map[string]interface{}{
		"provider": provider,
	})
	if b.onError != nil {
		b.onError(op, err)
	}
}

// State returns the provider's effective state. An unknown provider, or an
// unreachable store, reads as closed.
func (b *Breaker) State(ctx context.Context, provider string) State {
	s, err := b.read(ctx, provider)
	if err != nil {
		b.fail("breaker_read", provider, err)
		return State{Provider: provider, Status: Closed}
	}
	return b.effective(s)
}

func (b *Breaker) read(ctx context.Context, provider string) (State, error) {
	data, err := b.kv.Get(ctx, stateKey(provider))
	if errors.Is(err, kvstore.ErrNotFound) {
		return State{Provider: provider, Status: Closed}, nil
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	if s.Status == "" {
		s.Status = Closed
	}
	return s, nil
}

// IsOpen reports whether provider is excluded from routing right now.
func (b *Breaker) IsOpen(ctx context.Context, provider string) bool {
	return b.State(ctx, provider).Status == Open
}

// OpenSet checks several providers and returns those that are open.
func (b *Breaker) OpenSet(ctx context.Context, providers []string) map[string]bool {
	if len(providers) == 0 {
		return map[string]bool{}
	}

	keys := make([]string, len(providers))
	for i, p := range providers {
		keys[i] = stateKey(p)
	}

	out := make(map[string]bool, len(providers))
	raw, err := b.kv.MGet(ctx, keys...)
	if err != nil {
		b.fail("breaker_read", "*", err)
		return out
	}
	for i, p := range providers {
		data, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var s State
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if b.effective(s).Status == Open {
			out[p] = true
		}
	}
	return out
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess(ctx context.Context, provider string) State {
	return b.transition(ctx, provider, func(s State) State {
		s.ConsecutiveFailures = 0
		if s.Status == HalfOpen {
			s.Status = Closed
			s.OpenedAt = time.Time{}
		}
		return s
	})
}

// RecordFailure counts a failure and opens the breaker at the threshold, or
// immediately from half_open. A failure while already open extends nothing.
func (b *Breaker) RecordFailure(ctx context.Context, provider string) State {
	return b.transition(ctx, provider, func(s State) State {
		if s.ConsecutiveFailures < ^uint32(0) {
			s.ConsecutiveFailures++
		}
		switch s.Status {
		case HalfOpen:
			s.Status = Open
			s.OpenedAt = b.now().UTC()
		case Closed:
			if s.ConsecutiveFailures >= b.cfg.Threshold {
				s.Status = Open
				s.OpenedAt = b.now().UTC()
			}
		}
		return s
	})
}

// Reset force-closes the breaker.
func (b *Breaker) Reset(ctx context.Context, provider string) error {
	before := b.State(ctx, provider)
	if err := b.kv.Delete(ctx, stateKey(provider)); err != nil {
		return fmt.Errorf("failed to reset breaker for %s: %w", provider, err)
	}
	if before.Status != Closed && b.onTrans != nil {
		b.onTrans(provider, before.Status, Closed)
	}
	b.log.Info("", "", "breaker reset", map[string]interface{}{"provider": provider})
	return nil
}

// transition applies fn to the effective state atomically. On store failure
// the computed state is returned but not stored.
func (b *Breaker) transition(ctx context.Context, provider string, fn func(State) State) State {
	var from, to State

	_, err := b.kv.Update(ctx, stateKey(provider), b.stateTTL(), func(current []byte, exists bool) ([]byte, error) {
		s := State{Provider: provider, Status: Closed}
		if exists {
			if err := json.Unmarshal(current, &s); err != nil {
				s = State{Provider: provider, Status: Closed}
			}
			if s.Status == "" {
				s.Status = Closed
			}
		}
		from = b.effective(s)
		to = fn(from)
		to.Provider = provider
		to.UpdatedAt = b.now().UTC()
		return json.Marshal(to)
	})
	if err != nil {
		b.fail("breaker_write", provider, err)
		if to.Provider == "" {
			to = State{Provider: provider, Status: Closed}
		}
		return to
	}

	if from.Status != to.Status {
		b.log.Info("", "", "breaker state changed", map[string]interface{}{
			"provider":             provider,
			"from":                 string(from.Status),
			"to":                   string(to.Status),
			"consecutive_failures": to.ConsecutiveFailures,
		})
		if b.onTrans != nil {
			b.onTrans(provider, from.Status, to.Status)
		}
	}
	return to
}
