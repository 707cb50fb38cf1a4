// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/shared/logger"
)

// Source supplies policy layers for a tenant and optional template, lowest
// precedence first.
type Source interface {
	Layers(ctx context.Context, tenantID, templateKey string) ([]*Layer, error)
}

// Evaluator resolves policies from its sources in order; later sources take
// precedence over earlier ones.
type Evaluator struct {
	sources []Source
	log     *logger.Logger
}

// NewEvaluator creates an evaluator. A nil logger uses the default.
func NewEvaluator(log *logger.Logger, sources ...Source) *Evaluator {
	if log == nil {
		log = logger.New("policy")
	}
	return &Evaluator{sources: sources, log: log}
}

// Resolve merges every source's layers. A failing source is logged and
// skipped so the remaining layers still apply.
func (e *Evaluator) Resolve(ctx context.Context, tenantID, templateKey string) RouterPolicy {
	var layers []*Layer
	for _, src := range e.sources {
		ls, err := src.Layers(ctx, tenantID, templateKey)
		if err != nil {
			e.log.WarnErr(tenantID, "", "policy source failed, skipping", err, map[string]interface{}{
				"template": templateKey,
			})
			continue
		}
		layers = append(layers, ls...)
	}
	return Merge(layers...)
}

// Filter is the package Filter.
func (e *Evaluator) Filter(candidates []catalog.ModelCandidate, p RouterPolicy) []catalog.ModelCandidate {
	return Filter(candidates, p)
}

// Static is a fixed Source, handy for embedding callers and tests.
type Static struct {
	Defaults  *Layer
	Templates map[string]*Layer
	Tenants   map[string]*Layer
}

// Layers returns defaults, then the template, then the tenant.
func (s *Static) Layers(_ context.Context, tenantID, templateKey string) ([]*Layer, error) {
	out := []*Layer{s.Defaults}
	if templateKey != "" {
		out = append(out, s.Templates[templateKey])
	}
	return append(out, s.Tenants[tenantID]), nil
}
