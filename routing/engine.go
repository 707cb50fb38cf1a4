// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/modelrouter/routing/breaker"
	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/policy"
	"axonflow/modelrouter/routing/respcache"
	"axonflow/modelrouter/routing/scorecard"
	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

// Request asks for a model for one task.
type Request struct {
	TenantID       string           `json:"tenant_id"`
	TaskType       catalog.TaskType `json:"task_type"`
	TemplateKey    string           `json:"template_key,omitempty"`
	RequestedModel string           `json:"requested_model,omitempty"`
	RequestID      string           `json:"request_id,omitempty"`

	// EstimatedTokens defaults to Config.DefaultTokenEstimate when <= 0.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`

	// LatencySLOMs adds a penalty for candidates whose p95 exceeds it.
	// Zero means no SLO.
	LatencySLOMs float64 `json:"latency_slo_ms,omitempty"`
}

// Decision is the selected model.
type Decision struct {
	ID         string           `json:"decision_id"`
	Model      string           `json:"model"`
	Provider   string           `json:"provider"`
	Reason     Reason           `json:"reason"`
	Score      float64          `json:"score"`
	Candidates []CandidateScore `json:"candidates,omitempty"`
}

// Engine selects a model per request and learns from reported outcomes.
// It is safe for concurrent use.
type Engine struct {
	registry catalog.Registry
	scores   *scorecard.Store
	breakers *breaker.Breaker
	policies *policy.Evaluator
	cache    *respcache.Cache
	sampler  *scorecard.Sampler
	cfg      Config
	log      *logger.Logger
	metrics  *Metrics

	history scorecard.History
	sources []policy.Source
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the logger. Component loggers are derived from it.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records decisions, outcomes and store health to m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSampler sets the Beta sampler, mainly for seeded tests.
func WithSampler(s *scorecard.Sampler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sampler = s
		}
	}
}

// WithHistory sets the durable scorecard tier.
func WithHistory(h scorecard.History) Option {
	return func(e *Engine) {
		e.history = h
	}
}

// WithPolicySources sets the policy sources, lowest precedence first.
func WithPolicySources(sources ...policy.Source) Option {
	return func(e *Engine) {
		e.sources = append(e.sources, sources...)
	}
}

// WithClock overrides time for the breaker, scorecards and cache.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine whose scorecards, breakers and response cache
// share kv.
func NewEngine(registry catalog.Registry, kv kvstore.Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("routing: registry is required")
	}
	if kv == nil {
		return nil, errors.New("routing: state store is required")
	}

	e := &Engine{
		registry: registry,
		cfg:      DefaultConfig(),
		log:      logger.New("router"),
		history:  scorecard.NopHistory{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.SamplingMargin < 0 {
		return nil, fmt.Errorf("routing: sampling margin must not be negative, got %v", e.cfg.SamplingMargin)
	}
	if e.cfg.DefaultTokenEstimate <= 0 {
		e.cfg.DefaultTokenEstimate = DefaultTokenEstimate
	}
	if e.cfg.OutcomeTimeout <= 0 {
		e.cfg.OutcomeTimeout = DefaultOutcomeTimeout
	}
	if e.sampler == nil {
		e.sampler = scorecard.NewSampler(0)
	}

	e.scores = scorecard.NewStore(kv,
		scorecard.WithHistory(e.history),
		scorecard.WithHotTTL(e.cfg.ScorecardTTL),
		scorecard.WithLogger(e.log.Named("scorecard")),
		scorecard.WithClock(e.now),
		scorecard.WithErrorHook(e.metrics.StoreError),
	)
	e.breakers = breaker.New(kv, e.cfg.Breaker,
		breaker.WithLogger(e.log.Named("breaker")),
		breaker.WithClock(e.now),
		breaker.WithTransitionHook(e.metrics.BreakerTransition),
		breaker.WithErrorHook(e.metrics.StoreError),
	)
	e.cache = respcache.New(kv, e.cfg.CacheTTL,
		respcache.WithLogger(e.log.Named("respcache")),
		respcache.WithClock(e.now),
		respcache.WithResultHook(e.metrics.CacheResult),
	)
	e.policies = policy.NewEvaluator(e.log.Named("policy"), e.sources...)
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Scorecards returns the scorecard store.
func (e *Engine) Scorecards() *scorecard.Store { return e.scores }

// Breakers returns the provider circuit breaker.
func (e *Engine) Breakers() *breaker.Breaker { return e.breakers }

// Policies returns the policy evaluator.
func (e *Engine) Policies() *policy.Evaluator { return e.policies }

// Registry returns the candidate registry.
func (e *Engine) Registry() catalog.Registry { return e.registry }

// Cache returns the response cache for a tenant, honoring a policy cache
// TTL override.
func (e *Engine) Cache(ctx context.Context, tenantID, templateKey string) *respcache.Cache {
	p := e.policies.Resolve(ctx, tenantID, templateKey)
	if p.CacheTTL != nil {
		return e.cache.WithTTL(*p.CacheTTL)
	}
	return e.cache
}

// Select picks a model for req. Failures are *SelectionError values.
func (e *Engine) Select(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	if e.cfg.SelectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SelectTimeout)
		defer cancel()
	}

	d, err := e.selectModel(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		reason := ReasonOf(err)
		e.metrics.ObserveDecision(reason, elapsed)
		e.log.Warn(req.TenantID, req.RequestID, "model selection failed", map[string]interface{}{
			"task_type": req.TaskType,
			"reason":    reason,
			"error":     err.Error(),
		})
		return nil, err
	}

	e.metrics.ObserveDecision(d.Reason, elapsed)
	e.log.Debug(req.TenantID, req.RequestID, "model selected", map[string]interface{}{
		"decision_id": d.ID,
		"task_type":   req.TaskType,
		"model":       d.Model,
		"provider":    d.Provider,
		"reason":      d.Reason,
		"score":       d.Score,
		"candidates":  len(d.Candidates),
		"duration_ms": float64(elapsed.Microseconds()) / 1000,
	})
	return d, nil
}

func (e *Engine) selectModel(ctx context.Context, req Request) (*Decision, error) {
	task := string(req.TaskType)
	if req.TenantID == "" {
		return nil, newSelectionError(ReasonNoCandidates, req.TenantID, task, "tenant id is required")
	}

	candidates, err := e.discover(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.RequestedModel != "" && !e.cfg.EnforcePolicyOnRequested {
		if c, ok := findModel(candidates, req.RequestedModel); ok {
			return e.requested(c), nil
		}
	}

	candidates = e.filterHealthy(ctx, candidates)
	if len(candidates) == 0 {
		return nil, newSelectionError(ReasonAllProvidersUnhealthy, req.TenantID, task,
			"every provider serving %s has an open circuit breaker", task)
	}

	pol := e.policies.Resolve(ctx, req.TenantID, req.TemplateKey)
	candidates = policy.Filter(candidates, pol)
	if len(candidates) == 0 {
		return nil, newSelectionError(ReasonPolicyExhausted, req.TenantID, task,
			"policy leaves no candidate for %s", task)
	}

	if req.RequestedModel != "" && e.cfg.EnforcePolicyOnRequested {
		c, ok := findModel(candidates, req.RequestedModel)
		if !ok {
			return nil, newSelectionError(ReasonPolicyExhausted, req.TenantID, task,
				"requested model %s is unavailable or excluded by policy", req.RequestedModel)
		}
		return e.requested(c), nil
	}

	cards, err := e.scores.Load(ctx, req.TenantID, req.TaskType)
	if err != nil {
		e.log.Debug(req.TenantID, req.RequestID, "ranking on degraded scorecards", map[string]interface{}{
			"error": err.Error(),
		})
	}

	tokens := req.EstimatedTokens
	if tokens <= 0 {
		tokens = e.cfg.DefaultTokenEstimate
	}

	all := make([]*scored, 0, len(candidates))
	inBudget := make([]*scored, 0, len(candidates))
	for i, c := range candidates {
		card, ok := cards[c.Model]
		if !ok {
			card = scorecard.New(req.TenantID, req.TaskType, c.Model)
		}
		s := &scored{
			candidate: c,
			card:      card,
			order:     i,
			rank:      pol.FallbackRank(c.Provider),
			detail: CandidateScore{
				Model:        c.Model,
				Provider:     c.Provider,
				CostEstimate: estimateCost(c, card, tokens),
				P95LatencyMs: observedP95(card),
				Trials:       card.Trials,
			},
		}
		all = append(all, s)
		if fits, stage := withinBudget(s, pol); !fits {
			s.detail.Eliminated = stage
			continue
		}
		inBudget = append(inBudget, s)
	}
	if len(inBudget) == 0 {
		return nil, newSelectionError(ReasonPolicyExhausted, req.TenantID, task,
			"no candidate for %s fits the cost and latency budget", task)
	}

	for _, s := range inBudget {
		if e.cfg.DeterministicRanking {
			s.detail.Success = scorecard.PosteriorMean(s.card)
		} else {
			s.detail.Success = e.sampler.Sample(s.card)
		}
	}
	kept, dropped := marginFilter(inBudget, e.cfg.SamplingMargin)
	for _, s := range dropped {
		s.detail.Eliminated = stageMargin
	}

	ranked := make([]*scored, 0, len(kept))
	for _, s := range kept {
		s.detail.Score = compositeScore(s.detail.CostEstimate, s.detail.P95LatencyMs, req.LatencySLOMs)
		if !isFinite(s.detail.Score) {
			s.detail.Score = 0
			if !isFinite(s.detail.CostEstimate) {
				s.detail.CostEstimate = 0
			}
			s.detail.Eliminated = stageNonFinite
			continue
		}
		ranked = append(ranked, s)
	}
	rank(ranked)

	details := make([]CandidateScore, 0, len(all))
	for _, s := range all {
		details = append(details, s.detail)
	}

	if len(ranked) > 0 {
		best := ranked[0]
		return &Decision{
			ID:         uuid.New().String(),
			Model:      best.candidate.Model,
			Provider:   best.candidate.Provider,
			Reason:     ReasonScored,
			Score:      best.detail.Score,
			Candidates: details,
		}, nil
	}

	// Nothing survived ranking; walk the fallback chain over the budget
	// survivors.
	for _, provider := range pol.FallbackChain {
		for _, s := range inBudget {
			if s.candidate.Provider == provider {
				return &Decision{
					ID:         uuid.New().String(),
					Model:      s.candidate.Model,
					Provider:   s.candidate.Provider,
					Reason:     ReasonFallbackChain,
					Candidates: details,
				}, nil
			}
		}
	}
	return nil, newSelectionError(ReasonNoViableModel, req.TenantID, task,
		"no candidate for %s could be ranked", task)
}

// discover lists candidates for the task and drops providers without a
// usable credential.
func (e *Engine) discover(ctx context.Context, req Request) ([]catalog.ModelCandidate, error) {
	task := string(req.TaskType)
	listed, err := e.registry.ListCandidates(ctx, req.TaskType)
	if err != nil {
		e.log.WarnErr(req.TenantID, req.RequestID, "candidate registry failed", err, map[string]interface{}{
			"task_type": req.TaskType,
		})
		return nil, newSelectionError(ReasonNoCandidates, req.TenantID, task, "candidate registry unavailable: %v", err)
	}

	credentialed := make(map[string]bool)
	out := make([]catalog.ModelCandidate, 0, len(listed))
	for _, c := range listed {
		ok, seen := credentialed[c.Provider]
		if !seen {
			ok = e.registry.HasCredential(ctx, c.Provider)
			credentialed[c.Provider] = ok
		}
		if ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, newSelectionError(ReasonNoCandidates, req.TenantID, task,
			"no credentialed model serves %s", task)
	}
	return out, nil
}

func (e *Engine) filterHealthy(ctx context.Context, candidates []catalog.ModelCandidate) []catalog.ModelCandidate {
	providers := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		if !seen[c.Provider] {
			seen[c.Provider] = true
			providers = append(providers, c.Provider)
		}
	}

	open := e.breakers.OpenSet(ctx, providers)
	if len(open) == 0 {
		return candidates
	}
	out := make([]catalog.ModelCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !open[c.Provider] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) requested(c catalog.ModelCandidate) *Decision {
	return &Decision{
		ID:       uuid.New().String(),
		Model:    c.Model,
		Provider: c.Provider,
		Reason:   ReasonRequested,
	}
}

func findModel(candidates []catalog.ModelCandidate, model string) (catalog.ModelCandidate, bool) {
	for _, c := range candidates {
		if c.Model == model {
			return c, true
		}
	}
	return catalog.ModelCandidate{}, false
}

// OutcomeReport is one completed model call.
type OutcomeReport struct {
	TenantID  string           `json:"tenant_id"`
	TaskType  catalog.TaskType `json:"task_type"`
	Model     string           `json:"model"`
	RequestID string           `json:"request_id,omitempty"`
	scorecard.Outcome
}

// RecordOutcome updates the scorecard and the provider breaker. State store
// failures are logged, never returned; the returned card is the updated
// view.
func (e *Engine) RecordOutcome(ctx context.Context, r OutcomeReport) (*scorecard.ScoreCard, error) {
	if r.TenantID == "" || r.Model == "" || r.TaskType == "" {
		return nil, errors.New("tenant_id, task_type and model are required")
	}

	card := e.scores.Record(ctx, r.TenantID, r.TaskType, r.Model, r.Outcome)

	provider, ok := e.registry.ProviderFor(r.Model)
	if ok {
		if r.Success {
			e.breakers.RecordSuccess(ctx, provider)
		} else {
			e.breakers.RecordFailure(ctx, provider)
		}
	} else {
		e.log.Warn(r.TenantID, r.RequestID, "outcome for unknown model, breaker not updated", map[string]interface{}{
			"model": r.Model,
		})
	}
	e.metrics.ObserveOutcome(provider, r.Success)
	return card, nil
}

// RecordOutcomeAsync records r on a background goroutine with its own
// timeout so the caller's response path is not delayed. After Close it
// records synchronously.
func (e *Engine) RecordOutcomeAsync(r OutcomeReport) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OutcomeTimeout)
		defer cancel()
		e.recordLogged(ctx, r)
		return
	}
	e.pending.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OutcomeTimeout)
		defer cancel()
		e.recordLogged(ctx, r)
	}()
}

func (e *Engine) recordLogged(ctx context.Context, r OutcomeReport) {
	if _, err := e.RecordOutcome(ctx, r); err != nil {
		e.log.WarnErr(r.TenantID, r.RequestID, "outcome dropped", err, map[string]interface{}{
			"model": r.Model,
		})
	}
}

// Close waits for in-flight async outcomes.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pending.Wait()
}
