// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

func strPtr(s string) *string { return &s }

func u64Ptr(v uint64) *uint64 { return &v }

func durPtr(d time.Duration) *Duration { return &Duration{d} }

var testCandidates = []catalog.ModelCandidate{
	{Provider: "openai", Model: "gpt-4o"},
	{Provider: "anthropic", Model: "claude-sonnet-4"},
	{Provider: "openai", Model: "gpt-4o-mini"},
	{Provider: "gemini", Model: "gemini-2.0-flash"},
}

func models(cs []catalog.ModelCandidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Model)
	}
	return out
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		policy RouterPolicy
		want   []string
	}{
		{"unconstrained", RouterPolicy{}, []string{"gpt-4o", "claude-sonnet-4", "gpt-4o-mini", "gemini-2.0-flash"}},
		{"forced", RouterPolicy{ForcedProvider: "openai"}, []string{"gpt-4o", "gpt-4o-mini"}},
		{"forced absent provider", RouterPolicy{ForcedProvider: "mistral"}, []string{}},
		{"forced ignores disabled", RouterPolicy{ForcedProvider: "openai", DisabledProviders: []string{"openai"}}, []string{"gpt-4o", "gpt-4o-mini"}},
		{"disabled", RouterPolicy{DisabledProviders: []string{"openai", "gemini"}}, []string{"claude-sonnet-4"}},
		{"allowed", RouterPolicy{AllowedModels: []string{"gpt-4o-mini", "gemini-2.0-flash"}}, []string{"gpt-4o-mini", "gemini-2.0-flash"}},
		{"disabled and allowed", RouterPolicy{AllowedModels: []string{"gpt-4o", "claude-sonnet-4"}, DisabledProviders: []string{"anthropic"}}, []string{"gpt-4o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models(Filter(testCandidates, tt.policy)))
		})
	}
}

func TestFilter_Pure(t *testing.T) {
	p := RouterPolicy{AllowedModels: []string{"gpt-4o", "gemini-2.0-flash"}, DisabledProviders: []string{"gemini"}}
	input := append([]catalog.ModelCandidate(nil), testCandidates...)

	first := Filter(input, p)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Filter(input, p))
	}
	assert.Equal(t, testCandidates, input, "input is not modified")
}

func TestMerge_Precedence(t *testing.T) {
	template := &Layer{
		FallbackChain:     []string{"anthropic", "openai"},
		MaxLatencyMs:      u64Ptr(2000),
		DisabledProviders: []string{"gemini"},
		CacheTTL:          durPtr(time.Minute),
	}
	tenant := &Layer{
		FallbackChain:       []string{"openai"},
		MaxCostPerTaskMinor: u64Ptr(50),
		DisabledProviders:   []string{"bedrock", "gemini"},
	}

	p := Merge(nil, template, tenant)
	assert.Equal(t, []string{"openai"}, p.FallbackChain, "tenant wins")
	require.NotNil(t, p.MaxLatencyMs)
	assert.Equal(t, uint64(2000), *p.MaxLatencyMs, "inherited from template")
	assert.Equal(t, uint64(50), *p.MaxCostPerTaskMinor)
	assert.Equal(t, []string{"gemini", "bedrock"}, p.DisabledProviders, "disabled providers accumulate")
	assert.Equal(t, time.Minute, *p.CacheTTL)
	assert.Empty(t, p.AllowedModels, "absent means unconstrained")
	assert.Empty(t, p.ForcedProvider)

	cleared := Merge(&Layer{ForcedProvider: strPtr("openai")}, &Layer{ForcedProvider: strPtr("")})
	assert.Empty(t, cleared.ForcedProvider, "a higher layer can clear forcing")
}

func TestRouterPolicy_FallbackRank(t *testing.T) {
	p := RouterPolicy{FallbackChain: []string{"anthropic", "openai"}}
	assert.Equal(t, 0, p.FallbackRank("anthropic"))
	assert.Equal(t, 1, p.FallbackRank("openai"))
	assert.Equal(t, 2, p.FallbackRank("gemini"))
}

func TestEvaluator_Static(t *testing.T) {
	src := &Static{
		Defaults:  &Layer{FallbackChain: []string{"openai", "anthropic"}},
		Templates: map[string]*Layer{"support-bot": {ForcedProvider: strPtr("anthropic")}},
		Tenants:   map[string]*Layer{"acme": {AllowedModels: []string{"gpt-4o"}}},
	}
	e := NewEvaluator(logger.Discard(), src)
	ctx := context.Background()

	p := e.Resolve(ctx, "acme", "")
	assert.Equal(t, []string{"gpt-4o"}, p.AllowedModels)
	assert.Empty(t, p.ForcedProvider)

	p = e.Resolve(ctx, "acme", "support-bot")
	assert.Equal(t, "anthropic", p.ForcedProvider)
	assert.Equal(t, []string{"openai", "anthropic"}, p.FallbackChain)

	p = e.Resolve(ctx, "unknown-tenant", "unknown-template")
	assert.Equal(t, []string{"openai", "anthropic"}, p.FallbackChain)
}

const policyYAML = `
defaults:
  fallback_chain: [openai, anthropic]
templates:
  support-bot:
    max_latency_ms: 1500
tenants:
  acme:
    disabled_providers: [gemini]
    max_cost_per_task_minor_units: 25
    cache_ttl: 0s
  globex:
    forced_provider: ${ROUTER_TEST_FORCED:-openai}
`

func TestFileSource_LoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	fs, err := LoadFileSource(path, logger.Discard())
	require.NoError(t, err)
	e := NewEvaluator(logger.Discard(), fs)
	ctx := context.Background()

	p := e.Resolve(ctx, "acme", "support-bot")
	assert.Equal(t, []string{"gemini"}, p.DisabledProviders)
	assert.Equal(t, uint64(25), *p.MaxCostPerTaskMinor)
	assert.Equal(t, uint64(1500), *p.MaxLatencyMs)
	require.NotNil(t, p.CacheTTL)
	assert.Zero(t, *p.CacheTTL, "tenant disables caching")

	assert.Equal(t, "openai", e.Resolve(ctx, "globex", "").ForcedProvider, "env default applied")

	require.NoError(t, os.WriteFile(path, []byte("tenants: {acme: {unknown_field: 1}}\n"), 0o600))
	assert.Error(t, fs.Reload(ctx))
	assert.Equal(t, []string{"gemini"}, e.Resolve(ctx, "acme", "").DisabledProviders, "failed reload keeps snapshot")

	require.NoError(t, os.WriteFile(path, []byte("tenants: {acme: {allowed_models: [gpt-4o]}}\n"), 0o600))
	require.NoError(t, fs.Reload(ctx))
	p = e.Resolve(ctx, "acme", "")
	assert.Equal(t, []string{"gpt-4o"}, p.AllowedModels)
	assert.Empty(t, p.FallbackChain)
}

func TestFileSource_CustomReader(t *testing.T) {
	ctx := context.Background()
	doc := "tenants: {acme: {forced_provider: anthropic}}\n"
	var reads []string
	read := func(_ context.Context, location string) ([]byte, error) {
		reads = append(reads, location)
		return []byte(doc), nil
	}

	fs, err := LoadFileSourceWith(ctx, "s3://cfg/policies.yaml", read, logger.Discard())
	require.NoError(t, err)
	e := NewEvaluator(logger.Discard(), fs)
	assert.Equal(t, "anthropic", e.Resolve(ctx, "acme", "").ForcedProvider)

	doc = "tenants: {acme: {forced_provider: openai}}\n"
	require.NoError(t, fs.Reload(ctx))
	assert.Equal(t, "openai", e.Resolve(ctx, "acme", "").ForcedProvider)
	assert.Equal(t, []string{"s3://cfg/policies.yaml", "s3://cfg/policies.yaml"}, reads)

	assert.Error(t, NewFileSource(&File{}).Reload(ctx), "no backing path")
}

func TestFlagSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	flags := NewFlagSource(kvstore.NewRedisStore(client))
	file := NewFileSource(&File{Tenants: map[string]*Layer{
		"acme": {ForcedProvider: strPtr("anthropic"), CacheTTL: durPtr(time.Minute)},
	}})
	e := NewEvaluator(logger.Discard(), file, flags)
	ctx := context.Background()

	assert.Equal(t, "anthropic", e.Resolve(ctx, "acme", "").ForcedProvider)

	require.NoError(t, flags.Set(ctx, "", &Layer{DisabledProviders: []string{"gemini"}}))
	require.NoError(t, flags.Set(ctx, "acme", &Layer{ForcedProvider: strPtr("openai"), CacheTTL: durPtr(0)}))

	p := e.Resolve(ctx, "acme", "")
	assert.Equal(t, "openai", p.ForcedProvider, "tenant flag beats the file")
	assert.Equal(t, []string{"gemini"}, p.DisabledProviders)
	assert.Zero(t, *p.CacheTTL)

	assert.Equal(t, []string{"gemini"}, e.Resolve(ctx, "initech", "").DisabledProviders, "global flag applies to everyone")

	got, err := flags.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "openai", *got.ForcedProvider)

	require.NoError(t, flags.Clear(ctx, "acme"))
	got, err = flags.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "anthropic", e.Resolve(ctx, "acme", "").ForcedProvider)

	mr.SetError("ERR simulated outage")
	assert.Equal(t, "anthropic", e.Resolve(ctx, "acme", "").ForcedProvider, "flag outage falls back to file layers")
}

func TestDuration_JSON(t *testing.T) {
	var l Layer
	require.NoError(t, json.Unmarshal([]byte(`{"cache_ttl":"90s"}`), &l))
	assert.Equal(t, 90*time.Second, l.CacheTTL.Duration)

	data, err := json.Marshal(l)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cache_ttl":"1m30s"}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"cache_ttl":90}`), &l))
}
