// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/modelrouter/routing"
	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/policy"
	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

type testServer struct {
	router *mux.Router
	engine *routing.Engine
	mr     *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	kv := kvstore.NewRedisStore(client)

	registry, err := catalog.NewStatic([]catalog.ModelCandidate{
		{Provider: "openai", Model: "gpt-4o-mini", Capabilities: []catalog.TaskType{catalog.TaskChat}, UnitCostPer1K: 2},
		{Provider: "anthropic", Model: "claude-3-5-haiku", Capabilities: []catalog.TaskType{catalog.TaskChat}, UnitCostPer1K: 9},
	}, nil)
	require.NoError(t, err)

	cfg := routing.DefaultConfig()
	cfg.DeterministicRanking = true
	cfg.SelectTimeout = time.Second

	flags := policy.NewFlagSource(kv)
	engine, err := routing.NewEngine(registry, kv,
		routing.WithConfig(cfg),
		routing.WithLogger(logger.Discard()),
		routing.WithPolicySources(flags),
	)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	r := mux.NewRouter()
	NewHandler(engine, flags, kv, logger.Discard()).RegisterRoutes(r)
	return &testServer{router: r, engine: engine, mr: mr}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

var tenantHeader = map[string]string{"X-Tenant-ID": "acme"}

func TestSelectHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat"}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, "scored", body["reason"])
	assert.NotEmpty(t, body["decision_id"])
	assert.Nil(t, body["candidates"], "candidates only with explain")

	rec = s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat", "explain": true}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["candidates"], 2)
}

func TestSelectHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    interface{}
		headers map[string]string
	}{
		{"missing tenant", map[string]interface{}{"task_type": "chat"}, nil},
		{"unknown task", map[string]interface{}{"task_type": "image_generation"}, tenantHeader},
		{"negative tokens", map[string]interface{}{"task_type": "chat", "estimated_tokens": -1}, tenantHeader},
		{"not json", "oops", tenantHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/route/select", tt.body, tt.headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Bad Request", decode(t, rec)["error"])
		})
	}
}

func TestSelectHandler_SelectionErrors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodPut, "/api/v1/flags/acme", map[string]interface{}{
		"disabled_providers": []string{"openai", "anthropic"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat"}, tenantHeader)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "policy_exhausted", body["reason"])
	assert.Equal(t, false, body["retryable"])

	rec = s.do(t, http.MethodDelete, "/api/v1/flags/acme", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	for _, p := range []string{"openai", "anthropic"} {
		for i := 0; i < 3; i++ {
			s.engine.Breakers().RecordFailure(ctx, p)
		}
	}
	rec = s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat"}, tenantHeader)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, true, decode(t, rec)["retryable"])
}

func TestOutcomeHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/route/outcomes", map[string]interface{}{
		"task_type":  "chat",
		"model":      "claude-3-5-haiku",
		"success":    true,
		"latency_ms": 420.0,
		"cost_minor": 1.5,
	}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["trials"])
	assert.InDelta(t, 2.0/3.0, body["posterior_mean"], 1e-9)
	assert.InDelta(t, 420.0, body["p95_latency_ms"], 1e-9)

	rec = s.do(t, http.MethodPost, "/api/v1/route/outcomes?async=true", map[string]interface{}{
		"task_type": "chat",
		"model":     "claude-3-5-haiku",
		"success":   false,
	}, tenantHeader)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	s.engine.Close()

	rec = s.do(t, http.MethodGet, "/api/v1/scorecards/acme/chat", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["degraded"])
	cards := body["cards"].([]interface{})
	require.Len(t, cards, 1)
	card := cards[0].(map[string]interface{})
	assert.Equal(t, "claude-3-5-haiku", card["model"])
	assert.Equal(t, float64(2), card["trials"])

	rec = s.do(t, http.MethodPost, "/api/v1/route/outcomes", map[string]interface{}{
		"task_type": "chat",
		"model":     "claude-3-5-haiku",
	}, tenantHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "success is required")

	rec = s.do(t, http.MethodDelete, "/api/v1/scorecards/acme/chat/claude-3-5-haiku", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/scorecards/acme/chat", nil, nil)
	assert.Empty(t, decode(t, rec)["cards"])
}

func TestBreakerHandlers(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.engine.Breakers().RecordFailure(ctx, "openai")
	}

	rec := s.do(t, http.MethodGet, "/api/v1/breakers/openai", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "open", body["status"])
	assert.Equal(t, float64(3), body["consecutive_failures"])

	rec = s.do(t, http.MethodPost, "/api/v1/breakers/openai/reset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode(t, rec)["status"])

	s.mr.SetError("ERR simulated outage")
	rec = s.do(t, http.MethodPost, "/api/v1/breakers/openai/reset", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFlagHandlers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/flags/global", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/flags/global", map[string]interface{}{
		"forced_provider": "anthropic",
		"cache_ttl":       "30s",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/flags/global", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anthropic", decode(t, rec)["forced_provider"])

	rec = s.do(t, http.MethodGet, "/api/v1/policy/initech", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anthropic", decode(t, rec)["forced_provider"], "global flag resolves for every tenant")

	rec = s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat"}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anthropic", decode(t, rec)["provider"])

	rec = s.do(t, http.MethodPut, "/api/v1/flags/global", map[string]interface{}{"cache_ttl": 30}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheHandlers(t *testing.T) {
	s := newTestServer(t)

	key := map[string]interface{}{
		"model":         "gpt-4o-mini",
		"function_name": "answer",
		"prompt":        "What is the refund window?",
	}

	rec := s.do(t, http.MethodPost, "/api/v1/cache/lookup", map[string]interface{}{"key": key}, tenantHeader)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/cache", map[string]interface{}{
		"key":   key,
		"entry": map[string]interface{}{"response": map[string]string{"text": "30 days"}, "model": "gpt-4o-mini"},
	}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, float64(300), body["ttl_seconds"])

	rec = s.do(t, http.MethodPost, "/api/v1/cache/lookup", map[string]interface{}{"key": key}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":"30 days"}`, string(mustRaw(t, decode(t, rec)["response"])))

	rec = s.do(t, http.MethodPut, "/api/v1/cache", map[string]interface{}{"key": key}, tenantHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "entry is required")

	rec = s.do(t, http.MethodPut, "/api/v1/flags/acme", map[string]interface{}{"cache_ttl": "0s"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPut, "/api/v1/cache", map[string]interface{}{
		"key":   key,
		"entry": map[string]interface{}{"response": "x"},
	}, tenantHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cached"], "tenant disabled caching")
}

func mustRaw(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["store"])

	s.mr.SetError("ERR simulated outage")
	rec = s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPost, "/api/v1/route/select", map[string]interface{}{"task_type": "chat"}, tenantHeader)
	assert.Equal(t, http.StatusOK, rec.Code, "selection survives a store outage")
}
