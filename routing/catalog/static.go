// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package catalog

import (
	"context"
	"fmt"

	"axonflow/modelrouter/shared/yamlfile"
)

// File is the on-disk catalog format.
//
//	providers:
//	  - name: openai
//	    credential:
//	      env: OPENAI_API_KEY
//	      secret_arn: ${OPENAI_SECRET_ARN}
//	    models:
//	      - name: gpt-4o
//	        capabilities: [chat, code_generation, tool_use]
//	        unit_cost_per_1k: 0.625
type File struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// ProviderEntry describes one provider and its models.
type ProviderEntry struct {
	Name       string         `yaml:"name"`
	Credential CredentialSpec `yaml:"credential"`
	Models     []ModelEntry   `yaml:"models"`
}

// ModelEntry describes one model of a provider.
type ModelEntry struct {
	Name          string     `yaml:"name"`
	Capabilities  []TaskType `yaml:"capabilities"`
	UnitCostPer1K *float64   `yaml:"unit_cost_per_1k,omitempty"`
}

// Static is an immutable Registry built from a catalog file.
type Static struct {
	candidates []ModelCandidate
	byModel    map[string]string
	creds      CredentialChecker
}

// NewStatic builds a registry from candidates in discovery order.
// A nil checker treats every provider as credentialed.
func NewStatic(candidates []ModelCandidate, creds CredentialChecker) (*Static, error) {
	s := &Static{
		candidates: make([]ModelCandidate, 0, len(candidates)),
		byModel:    make(map[string]string, len(candidates)),
		creds:      creds,
	}

	for _, c := range candidates {
		if c.Provider == "" || c.Model == "" {
			return nil, fmt.Errorf("candidate requires provider and model: %+v", c)
		}
		if prev, dup := s.byModel[c.Model]; dup {
			return nil, fmt.Errorf("model %q listed under both %q and %q", c.Model, prev, c.Provider)
		}
		for _, t := range c.Capabilities {
			if _, err := ParseTaskType(string(t)); err != nil {
				return nil, fmt.Errorf("model %q: %w", c.Model, err)
			}
		}
		s.byModel[c.Model] = c.Provider
		s.candidates = append(s.candidates, c)
	}

	return s, nil
}

// FromFile converts a parsed catalog file. secrets may be nil when no
// provider references a Secrets Manager ARN.
func FromFile(f *File, secrets *SecretsManagerCredentials) (*Static, error) {
	var candidates []ModelCandidate
	specs := make(map[string]CredentialSpec, len(f.Providers))

	for _, p := range f.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider entry without name")
		}
		specs[p.Name] = p.Credential

		for _, m := range p.Models {
			c := ModelCandidate{
				Provider:     p.Name,
				Model:        m.Name,
				Capabilities: m.Capabilities,
			}
			if m.UnitCostPer1K != nil {
				c.UnitCostPer1K = *m.UnitCostPer1K
			} else if pricing, ok := LookupPricing(p.Name, m.Name); ok {
				c.UnitCostPer1K = pricing.Blended()
			}
			candidates = append(candidates, c)
		}
	}

	return NewStatic(candidates, &ProviderCredentials{Specs: specs, Secrets: secrets})
}

// LoadFile reads a catalog file from path.
func LoadFile(path string, secrets *SecretsManagerCredentials) (*Static, error) {
	var f File
	if err := yamlfile.Load(path, &f); err != nil {
		return nil, err
	}
	return FromFile(&f, secrets)
}

// Parse decodes catalog YAML fetched from elsewhere.
func Parse(data []byte, secrets *SecretsManagerCredentials) (*Static, error) {
	var f File
	if err := yamlfile.Decode(data, &f); err != nil {
		return nil, err
	}
	return FromFile(&f, secrets)
}

// ListCandidates returns the candidates serving task in file order.
func (s *Static) ListCandidates(_ context.Context, task TaskType) ([]ModelCandidate, error) {
	var out []ModelCandidate
	for _, c := range s.candidates {
		if c.Supports(task) {
			out = append(out, c)
		}
	}
	return out, nil
}

// HasCredential delegates to the configured checker.
func (s *Static) HasCredential(ctx context.Context, provider string) bool {
	if s.creds == nil {
		return true
	}
	return s.creds.HasCredential(ctx, provider)
}

// ProviderFor returns the provider that serves model.
func (s *Static) ProviderFor(model string) (string, bool) {
	p, ok := s.byModel[model]
	return p, ok
}

// Candidate returns the candidate for model.
func (s *Static) Candidate(model string) (ModelCandidate, bool) {
	for _, c := range s.candidates {
		if c.Model == model {
			return c, true
		}
	}
	return ModelCandidate{}, false
}

var _ Registry = (*Static)(nil)
