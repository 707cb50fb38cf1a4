// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package scorecard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

// DefaultHotTTL bounds how long an untouched card stays in the hot tier.
const DefaultHotTTL = 7 * 24 * time.Hour

// History is the durable scorecard tier.
type History interface {
	// LoadCards returns every card stored for (tenant, task).
	LoadCards(ctx context.Context, tenantID string, task catalog.TaskType) ([]*ScoreCard, error)

	// UpsertCard writes card keyed by (tenant, task, model).
	UpsertCard(ctx context.Context, card *ScoreCard) error
}

// NopHistory discards writes and loads nothing.
type NopHistory struct{}

func (NopHistory) LoadCards(context.Context, string, catalog.TaskType) ([]*ScoreCard, error) {
	return nil, nil
}

func (NopHistory) UpsertCard(context.Context, *ScoreCard) error { return nil }

// errColdKey aborts a hot-tier update so the card can be seeded from History.
var errColdKey = errors.New("scorecard: cold key")

// Store reads and writes scorecards across both tiers.
type Store struct {
	kv      kvstore.Store
	history History
	ttl     time.Duration
	log     *logger.Logger
	now     func() time.Time
	onError func(op string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithHistory sets the durable tier.
func WithHistory(h History) Option {
	return func(s *Store) {
		if h != nil {
			s.history = h
		}
	}
}

// WithHotTTL overrides DefaultHotTTL.
func WithHotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithErrorHook is called for every swallowed store error; op is one of
// "hot_read", "hot_write", "durable_read", "durable_write".
func WithErrorHook(fn func(op string, err error)) Option {
	return func(s *Store) {
		s.onError = fn
	}
}

// NewStore creates a Store over the hot tier kv.
func NewStore(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		history: NopHistory{},
		ttl:     DefaultHotTTL,
		log:     logger.New("scorecard"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cards and indexes live in separate namespaces and every segment is
// query-escaped, so no tenant or model name can alias another key.
func cardKey(tenantID string, task catalog.TaskType, model string) string {
	return "scorecard:card:" + url.QueryEscape(tenantID) + ":" + url.QueryEscape(string(task)) + ":" + url.QueryEscape(model)
}

func indexKey(tenantID string, task catalog.TaskType) string {
	return "scorecard:idx:" + url.QueryEscape(tenantID) + ":" + url.QueryEscape(string(task))
}

func (s *Store) fail(op, tenantID string, err error, fields map[string]interface{}) {
	s.log.WarnErr(tenantID, "", "scorecard store "+op+" failed", err, fields)
	if s.onError != nil {
		s.onError(op, err)
	}
}

// Load returns cards for (tenant, task) keyed by model. The hot tier is
// authoritative. When it is unreachable, empty, or indexes a model whose
// hot card is gone, the durable tier fills in every model the hot tier does
// not hold, without writing back. The returned error describes degraded
// reads and the map is always usable, possibly empty.
func (s *Store) Load(ctx context.Context, tenantID string, task catalog.TaskType) (map[string]*ScoreCard, error) {
	cards, gaps, hotErr := s.loadHot(ctx, tenantID, task)
	if hotErr == nil && len(cards) > 0 && gaps == 0 {
		return cards, nil
	}
	if hotErr != nil {
		s.fail("hot_read", tenantID, hotErr, map[string]interface{}{"task_type": string(task)})
	}
	if cards == nil {
		cards = make(map[string]*ScoreCard)
	}

	durable, err := s.history.LoadCards(ctx, tenantID, task)
	if err != nil {
		s.fail("durable_read", tenantID, err, map[string]interface{}{"task_type": string(task)})
		return cards, errors.Join(hotErr, err)
	}

	for _, c := range durable {
		if c == nil || c.Model == "" {
			continue
		}
		if _, hot := cards[c.Model]; hot {
			continue
		}
		c.Normalize()
		cards[c.Model] = c
	}
	return cards, hotErr
}

// loadHot returns the hot cards and how many indexed models had no usable
// hot card.
func (s *Store) loadHot(ctx context.Context, tenantID string, task catalog.TaskType) (map[string]*ScoreCard, int, error) {
	models, err := s.kv.Members(ctx, indexKey(tenantID, task))
	if err != nil {
		return nil, 0, err
	}
	if len(models) == 0 {
		return nil, 0, nil
	}

	keys := make([]string, len(models))
	for i, m := range models {
		keys[i] = cardKey(tenantID, task, m)
	}
	raw, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, 0, err
	}

	out := make(map[string]*ScoreCard, len(raw))
	gaps := 0
	for i, k := range keys {
		data, ok := raw[k]
		if !ok {
			gaps++
			continue
		}
		var c ScoreCard
		if err := json.Unmarshal(data, &c); err != nil {
			s.log.Warn(tenantID, "", "discarding undecodable scorecard", map[string]interface{}{
				"key":   k,
				"error": err.Error(),
			})
			gaps++
			continue
		}
		c.Normalize()
		out[models[i]] = &c
	}
	return out, gaps, nil
}

// Persist writes card to both tiers. The hot write is best effort and its
// error is returned for the caller to log; durable failures are logged and
// swallowed.
func (s *Store) Persist(ctx context.Context, card *ScoreCard) error {
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("failed to encode scorecard: %w", err)
	}

	hotErr := s.kv.Set(ctx, cardKey(card.TenantID, card.TaskType, card.Model), data, s.ttl)
	if hotErr == nil {
		hotErr = s.kv.AddMember(ctx, indexKey(card.TenantID, card.TaskType), card.Model, s.ttl)
	}
	if hotErr != nil {
		s.fail("hot_write", card.TenantID, hotErr, map[string]interface{}{"model": card.Model})
	}

	s.persistDurable(ctx, card)
	return hotErr
}

func (s *Store) persistDurable(ctx context.Context, card *ScoreCard) {
	if err := s.history.UpsertCard(ctx, card); err != nil {
		s.fail("durable_write", card.TenantID, err, map[string]interface{}{
			"task_type": string(card.TaskType),
			"model":     card.Model,
		})
	}
}

// Record applies outcome to the card for (tenant, task, model) as one atomic
// read-modify-write in the hot tier, then writes the result to the durable
// tier. A key missing from the hot tier is seeded from History first. When
// the hot tier is down the durable card is updated directly.
func (s *Store) Record(ctx context.Context, tenantID string, task catalog.TaskType, model string, outcome Outcome) *ScoreCard {
	var seed *ScoreCard

	apply := func(current []byte, exists bool) ([]byte, error) {
		var card *ScoreCard
		switch {
		case exists:
			card = &ScoreCard{}
			if err := json.Unmarshal(current, card); err != nil {
				card = s.seedOrNew(seed, tenantID, task, model)
			}
		case seed != nil:
			card = seed.Clone()
		default:
			return nil, errColdKey
		}

		card.TenantID, card.TaskType, card.Model = tenantID, task, model
		card.Normalize()
		card.Update(outcome)
		card.UpdatedAt = s.now().UTC()
		return json.Marshal(card)
	}

	key := cardKey(tenantID, task, model)
	written, err := s.kv.Update(ctx, key, s.ttl, apply)
	if errors.Is(err, errColdKey) {
		seed = s.loadSeed(ctx, tenantID, task, model)
		written, err = s.kv.Update(ctx, key, s.ttl, apply)
	}

	if err != nil {
		s.fail("hot_write", tenantID, err, map[string]interface{}{"model": model})

		if seed == nil {
			seed = s.loadSeed(ctx, tenantID, task, model)
		}
		card := seed.Clone()
		card.Update(outcome)
		card.UpdatedAt = s.now().UTC()
		s.persistDurable(ctx, card)
		return card
	}

	if err := s.kv.AddMember(ctx, indexKey(tenantID, task), model, s.ttl); err != nil {
		s.fail("hot_write", tenantID, err, map[string]interface{}{"model": model})
	}

	var card ScoreCard
	if err := json.Unmarshal(written, &card); err != nil {
		// Unreachable: written came from json.Marshal above.
		return nil
	}
	s.persistDurable(ctx, &card)
	return &card
}

func (s *Store) seedOrNew(seed *ScoreCard, tenantID string, task catalog.TaskType, model string) *ScoreCard {
	if seed != nil {
		return seed.Clone()
	}
	return New(tenantID, task, model)
}

// loadSeed fetches the durable card for model, or a fresh prior.
func (s *Store) loadSeed(ctx context.Context, tenantID string, task catalog.TaskType, model string) *ScoreCard {
	cards, err := s.history.LoadCards(ctx, tenantID, task)
	if err != nil {
		s.fail("durable_read", tenantID, err, map[string]interface{}{"model": model})
		return New(tenantID, task, model)
	}
	for _, c := range cards {
		if c != nil && c.Model == model {
			c.Normalize()
			return c
		}
	}
	return New(tenantID, task, model)
}

// Get returns the hot card for one model, or nil.
func (s *Store) Get(ctx context.Context, tenantID string, task catalog.TaskType, model string) (*ScoreCard, error) {
	data, err := s.kv.Get(ctx, cardKey(tenantID, task, model))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c ScoreCard
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode scorecard: %w", err)
	}
	c.Normalize()
	return &c, nil
}

// Reset drops the hot card for model and unlists it from the hot index.
// The durable tier is left alone.
func (s *Store) Reset(ctx context.Context, tenantID string, task catalog.TaskType, model string) error {
	if err := s.kv.Delete(ctx, cardKey(tenantID, task, model)); err != nil {
		return err
	}
	return s.kv.RemoveMember(ctx, indexKey(tenantID, task), model)
}
