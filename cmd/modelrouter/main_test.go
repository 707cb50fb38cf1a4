// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/scorecard"
	"axonflow/modelrouter/shared/logger"
)

const testCatalog = `
providers:
  - name: openai
    credential:
      none: true
    models:
      - name: gpt-4o-mini
        capabilities: [chat]
  - name: anthropic
    credential:
      none: true
    models:
      - name: claude-3-5-haiku
        capabilities: [chat]
`

const testPolicy = `
tenants:
  acme:
    forced_provider: anthropic
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testSettings(t *testing.T) settings {
	t.Setenv("CATALOG_FILE", writeFile(t, "catalog.yaml", testCatalog))
	t.Setenv("POLICY_FILE", writeFile(t, "policies.yaml", testPolicy))
	t.Setenv("REDIS_URL", "")
	t.Setenv("DURABLE_BACKEND", "")
	t.Setenv("AWS_REGION", "")
	return loadSettings()
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("CASSANDRA_HOSTS", "10.0.0.1, 10.0.0.2,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	t.Setenv("MONGO_DATABASE", "")
	t.Setenv("S3_FORCE_PATH_STYLE", "true")

	s := loadSettings()
	assert.Equal(t, "9000", s.Port)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, s.History.CassandraHosts)
	assert.Equal(t, []string{"*"}, s.AllowedOrigin)
	assert.Equal(t, "modelrouter", s.History.MongoDatabase)
	assert.True(t, s.Blobs.S3ForcePathStyle)
}

func TestWire_ServesRoutes(t *testing.T) {
	s := testSettings(t)
	ctx := context.Background()

	c, err := wire(ctx, s, logger.Discard())
	require.NoError(t, err)
	defer c.close(ctx)

	h := newRouter(c, s)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := strings.NewReader(`{"task_type":"chat"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/route/select", body)
	req.Header.Set("X-Tenant-ID", "acme")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"provider":"anthropic"`, "policy file is wired")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "axonflow_modelrouter_decisions_total")
}

func TestWire_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	s := testSettings(t)
	s.RedisURL = "redis://" + mr.Addr()
	s.RedisPrefix = "mr-test:"
	ctx := context.Background()

	c, err := wire(ctx, s, logger.Discard())
	require.NoError(t, err)
	defer c.close(ctx)

	c.engine.Breakers().RecordFailure(ctx, "openai")
	assert.True(t, mr.Exists("mr-test:breaker:openai"))
}

func TestWire_Errors(t *testing.T) {
	ctx := context.Background()

	s := testSettings(t)
	s.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := wire(ctx, s, logger.Discard())
	assert.Error(t, err)

	s = testSettings(t)
	s.CatalogFile = "ftp://configs/catalog.yaml"
	_, err = wire(ctx, s, logger.Discard())
	assert.Error(t, err)

	s = testSettings(t)
	s.History.Backend = "dynamodb"
	_, err = wire(ctx, s, logger.Discard())
	assert.Error(t, err)

	s = testSettings(t)
	s.PolicyFile = writeFile(t, "bad.yaml", "tenants: [not, a, map]\n")
	_, err = wire(ctx, s, logger.Discard())
	assert.Error(t, err)
}

func TestBreakerCommand(t *testing.T) {
	testSettings(t)

	var out bytes.Buffer
	cmd := breakerCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "openai"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"status": "closed"`)
}

func TestSelectCommand(t *testing.T) {
	testSettings(t)

	var out bytes.Buffer
	cmd := selectCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--tenant", "acme", "--task", "chat"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"model": "claude-3-5-haiku"`)

	cmd = selectCmd()
	cmd.SetArgs([]string{"--tenant", "acme", "--task", "painting"})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestWriteCards(t *testing.T) {
	latency := 250.0
	card := scorecard.New("acme", catalog.TaskChat, "gpt-4o-mini")
	card.Update(scorecard.Outcome{Success: true, LatencyMs: &latency})

	var out bytes.Buffer
	require.NoError(t, writeCards(&out, map[string]*scorecard.ScoreCard{
		"gpt-4o-mini":      card,
		"claude-3-5-haiku": scorecard.New("acme", catalog.TaskChat, "claude-3-5-haiku"),
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "claude-3-5-haiku"), "sorted by model")
	assert.Contains(t, lines[2], "0.667")
	assert.Contains(t, lines[2], "250")
}
