// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package policy resolves per-tenant routing constraints and filters
// candidates against them.
//
// A RouterPolicy is merged from ordered Layers, lowest precedence first:
// file defaults, the template, the tenant, then runtime flags (global, then
// tenant). A field absent from every layer is unconstrained.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"axonflow/modelrouter/routing/catalog"
)

// RouterPolicy is the immutable snapshot used for one routing call.
type RouterPolicy struct {
	AllowedModels       []string       `json:"allowed_models,omitempty"`
	FallbackChain       []string       `json:"fallback_chain,omitempty"`
	MaxCostPerTaskMinor *uint64        `json:"max_cost_per_task_minor_units,omitempty"`
	MaxLatencyMs        *uint64        `json:"max_latency_ms,omitempty"`
	ForcedProvider      string         `json:"forced_provider,omitempty"`
	DisabledProviders   []string       `json:"disabled_providers,omitempty"`
	CacheTTL            *time.Duration `json:"cache_ttl,omitempty"`
}

// IsDisabled reports whether provider is in DisabledProviders.
func (p RouterPolicy) IsDisabled(provider string) bool {
	for _, d := range p.DisabledProviders {
		if d == provider {
			return true
		}
	}
	return false
}

// FallbackRank returns provider's index in FallbackChain, or len(chain)
// when it is not listed.
func (p RouterPolicy) FallbackRank(provider string) int {
	for i, f := range p.FallbackChain {
		if f == provider {
			return i
		}
	}
	return len(p.FallbackChain)
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Layer is one partial policy. Nil fields are absent and inherit from lower
// layers. DisabledProviders accumulate across layers; every other field is
// replaced by the highest layer that sets it.
type Layer struct {
	AllowedModels       []string  `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`
	FallbackChain       []string  `json:"fallback_chain,omitempty" yaml:"fallback_chain,omitempty"`
	MaxCostPerTaskMinor *uint64   `json:"max_cost_per_task_minor_units,omitempty" yaml:"max_cost_per_task_minor_units,omitempty"`
	MaxLatencyMs        *uint64   `json:"max_latency_ms,omitempty" yaml:"max_latency_ms,omitempty"`
	ForcedProvider      *string   `json:"forced_provider,omitempty" yaml:"forced_provider,omitempty"`
	DisabledProviders   []string  `json:"disabled_providers,omitempty" yaml:"disabled_providers,omitempty"`
	CacheTTL            *Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// Merge folds layers in order; later layers take precedence.
func Merge(layers ...*Layer) RouterPolicy {
	var p RouterPolicy
	seenDisabled := make(map[string]bool)

	for _, l := range layers {
		if l == nil {
			continue
		}
		if l.AllowedModels != nil {
			p.AllowedModels = append([]string(nil), l.AllowedModels...)
		}
		if l.FallbackChain != nil {
			p.FallbackChain = append([]string(nil), l.FallbackChain...)
		}
		if l.MaxCostPerTaskMinor != nil {
			v := *l.MaxCostPerTaskMinor
			p.MaxCostPerTaskMinor = &v
		}
		if l.MaxLatencyMs != nil {
			v := *l.MaxLatencyMs
			p.MaxLatencyMs = &v
		}
		if l.ForcedProvider != nil {
			p.ForcedProvider = *l.ForcedProvider
		}
		for _, d := range l.DisabledProviders {
			if !seenDisabled[d] {
				seenDisabled[d] = true
				p.DisabledProviders = append(p.DisabledProviders, d)
			}
		}
		if l.CacheTTL != nil {
			v := l.CacheTTL.Duration
			p.CacheTTL = &v
		}
	}
	return p
}

// Filter applies p to candidates, preserving order:
//  1. a forced provider keeps only its own candidates, even if none remain;
//  2. otherwise disabled providers are dropped;
//  3. then, if AllowedModels is non-empty, only listed models are kept.
//
// Filter is pure.
func Filter(candidates []catalog.ModelCandidate, p RouterPolicy) []catalog.ModelCandidate {
	out := make([]catalog.ModelCandidate, 0, len(candidates))

	if p.ForcedProvider != "" {
		for _, c := range candidates {
			if c.Provider == p.ForcedProvider {
				out = append(out, c)
			}
		}
		return out
	}

	allowed := make(map[string]bool, len(p.AllowedModels))
	for _, m := range p.AllowedModels {
		allowed[m] = true
	}

	for _, c := range candidates {
		if p.IsDisabled(c.Provider) {
			continue
		}
		if len(allowed) > 0 && !allowed[c.Model] {
			continue
		}
		out = append(out, c)
	}
	return out
}
