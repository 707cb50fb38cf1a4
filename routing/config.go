// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"math"
	"os"
	"strconv"
	"time"

	"axonflow/modelrouter/routing/breaker"
	"axonflow/modelrouter/routing/respcache"
	"axonflow/modelrouter/routing/scorecard"
	"axonflow/modelrouter/shared/logger"
)

// Scoring weights. Score = cost + LatencyWeight*p95 + SLOPenaltyWeight*max(0, p95-slo).
const (
	LatencyWeight    = 0.01
	SLOPenaltyWeight = 0.5
)

// Defaults for Config.
const (
	DefaultSamplingMargin   = 0.02
	DefaultSelectTimeout    = 50 * time.Millisecond
	DefaultTokenEstimate    = 1000
	DefaultOutcomeTimeout   = 5 * time.Second
	DefaultScorecardTTL     = scorecard.DefaultHotTTL
	DefaultResponseCacheTTL = respcache.DefaultTTL
)

// Config tunes the engine.
type Config struct {
	// SamplingMargin drops candidates whose success sample trails the best
	// by more than this.
	SamplingMargin float64

	// SelectTimeout bounds the store reads of one Select call. Reads that
	// miss the deadline degrade to priors and closed breakers.
	SelectTimeout time.Duration

	// DefaultTokenEstimate is used when a request carries no estimate.
	DefaultTokenEstimate int

	// DeterministicRanking ranks by posterior mean instead of a Beta draw.
	DeterministicRanking bool

	// EnforcePolicyOnRequested applies breaker and policy filters to an
	// explicitly requested model instead of honoring it unconditionally.
	EnforcePolicyOnRequested bool

	// OutcomeTimeout bounds RecordOutcomeAsync.
	OutcomeTimeout time.Duration

	Breaker      breaker.Config
	CacheTTL     time.Duration
	ScorecardTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SamplingMargin:       DefaultSamplingMargin,
		SelectTimeout:        DefaultSelectTimeout,
		DefaultTokenEstimate: DefaultTokenEstimate,
		OutcomeTimeout:       DefaultOutcomeTimeout,
		Breaker:              breaker.DefaultConfig(),
		CacheTTL:             DefaultResponseCacheTTL,
		ScorecardTTL:         DefaultScorecardTTL,
	}
}

// LoadConfigFromEnv overlays environment variables on DefaultConfig.
// Invalid values are logged and ignored.
//
// Environment variables:
//   - ROUTER_SAMPLING_MARGIN: float in [0, 1] (default 0.02)
//   - ROUTER_SELECT_TIMEOUT: duration (default 50ms)
//   - ROUTER_DEFAULT_TOKENS: positive integer (default 1000)
//   - ROUTER_DETERMINISTIC: bool
//   - ROUTER_ENFORCE_POLICY_ON_REQUESTED: bool
//   - ROUTER_OUTCOME_TIMEOUT: duration (default 5s)
//   - ROUTER_BREAKER_THRESHOLD: positive integer (default 3)
//   - ROUTER_BREAKER_COOLDOWN: duration (default 60s)
//   - ROUTER_CACHE_TTL: duration, 0 disables the response cache (default 300s)
//   - ROUTER_SCORECARD_TTL: duration (default 168h)
func LoadConfigFromEnv(log *logger.Logger) Config {
	if log == nil {
		log = logger.New("router-config")
	}
	cfg := DefaultConfig()
	env := envReader{log: log}

	if v, ok := env.floatVar("ROUTER_SAMPLING_MARGIN"); ok {
		if v < 0 || v > 1 {
			env.invalid("ROUTER_SAMPLING_MARGIN", strconv.FormatFloat(v, 'f', -1, 64), "must be between 0 and 1")
		} else {
			cfg.SamplingMargin = v
		}
	}
	if v, ok := env.durationVar("ROUTER_SELECT_TIMEOUT", false); ok {
		cfg.SelectTimeout = v
	}
	if v, ok := env.intVar("ROUTER_DEFAULT_TOKENS"); ok {
		cfg.DefaultTokenEstimate = v
	}
	if v, ok := env.boolVar("ROUTER_DETERMINISTIC"); ok {
		cfg.DeterministicRanking = v
	}
	if v, ok := env.boolVar("ROUTER_ENFORCE_POLICY_ON_REQUESTED"); ok {
		cfg.EnforcePolicyOnRequested = v
	}
	if v, ok := env.durationVar("ROUTER_OUTCOME_TIMEOUT", false); ok {
		cfg.OutcomeTimeout = v
	}
	if v, ok := env.intVar("ROUTER_BREAKER_THRESHOLD"); ok {
		if uint64(v) > math.MaxUint32 {
			env.invalid("ROUTER_BREAKER_THRESHOLD", strconv.Itoa(v), "exceeds 4294967295")
		} else {
			cfg.Breaker.Threshold = uint32(v)
		}
	}
	if v, ok := env.durationVar("ROUTER_BREAKER_COOLDOWN", false); ok {
		cfg.Breaker.Cooldown = v
	}
	if v, ok := env.durationVar("ROUTER_CACHE_TTL", true); ok {
		cfg.CacheTTL = v
	}
	if v, ok := env.durationVar("ROUTER_SCORECARD_TTL", false); ok {
		cfg.ScorecardTTL = v
	}

	log.Info("", "", "router configuration loaded", map[string]interface{}{
		"sampling_margin":             cfg.SamplingMargin,
		"select_timeout_ms":           cfg.SelectTimeout.Milliseconds(),
		"default_tokens":              cfg.DefaultTokenEstimate,
		"deterministic":               cfg.DeterministicRanking,
		"enforce_policy_on_requested": cfg.EnforcePolicyOnRequested,
		"breaker_threshold":           cfg.Breaker.Threshold,
		"breaker_cooldown":            cfg.Breaker.Cooldown.String(),
		"cache_ttl":                   cfg.CacheTTL.String(),
	})
	return cfg
}

type envReader struct {
	log *logger.Logger
}

func (r envReader) invalid(name, value, reason string) {
	r.log.Warn("", "", "invalid environment value, using default", map[string]interface{}{
		"var":    name,
		"value":  value,
		"reason": reason,
	})
}

func (r envReader) floatVar(name string) (float64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.invalid(name, s, "not a number")
		return 0, false
	}
	return v, true
}

func (r envReader) intVar(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		r.invalid(name, s, "must be a positive integer")
		return 0, false
	}
	return v, true
}

func (r envReader) boolVar(name string) (bool, bool) {
	s := os.Getenv(name)
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		r.invalid(name, s, "not a boolean")
		return false, false
	}
	return v, true
}

func (r envReader) durationVar(name string, allowZero bool) (time.Duration, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		r.invalid(name, s, "not a duration")
		return 0, false
	}
	if v < 0 || (v == 0 && !allowZero) {
		r.invalid(name, s, "out of range")
		return 0, false
	}
	return v, true
}
