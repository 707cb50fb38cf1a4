// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package api exposes the routing engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"axonflow/modelrouter/routing"
	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/policy"
	"axonflow/modelrouter/routing/respcache"
	"axonflow/modelrouter/routing/scorecard"
	"axonflow/modelrouter/shared/logger"
)

// Pinger reports whether the shared state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the routing engine.
type Handler struct {
	engine *routing.Engine
	flags  *policy.FlagSource
	store  Pinger
	log    *logger.Logger
}

// NewHandler creates a handler. flags and store may be nil, which disables
// the flag endpoints and reports health without a store check.
func NewHandler(engine *routing.Engine, flags *policy.FlagSource, store Pinger, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.New("router-api")
	}
	return &Handler{engine: engine, flags: flags, store: store, log: log}
}

// RegisterRoutes registers all routing routes with a gorilla/mux router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Selection and feedback
	r.HandleFunc("/api/v1/route/select", h.Select).Methods("POST")
	r.HandleFunc("/api/v1/route/outcomes", h.RecordOutcome).Methods("POST")

	// Breakers
	r.HandleFunc("/api/v1/breakers/{provider}", h.GetBreaker).Methods("GET")
	r.HandleFunc("/api/v1/breakers/{provider}/reset", h.ResetBreaker).Methods("POST")

	// Scorecards
	r.HandleFunc("/api/v1/scorecards/{tenant}/{task}", h.ListScorecards).Methods("GET")
	r.HandleFunc("/api/v1/scorecards/{tenant}/{task}/{model}", h.ResetScorecard).Methods("DELETE")

	// Policy flags; the "global" scope applies to every tenant.
	r.HandleFunc("/api/v1/flags/{scope}", h.GetFlag).Methods("GET")
	r.HandleFunc("/api/v1/flags/{scope}", h.SetFlag).Methods("PUT")
	r.HandleFunc("/api/v1/flags/{scope}", h.ClearFlag).Methods("DELETE")
	r.HandleFunc("/api/v1/policy/{tenant}", h.ResolvePolicy).Methods("GET")

	// Response cache
	r.HandleFunc("/api/v1/cache/lookup", h.CacheLookup).Methods("POST")
	r.HandleFunc("/api/v1/cache", h.CacheStore).Methods("PUT")
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	store := "unchecked"
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			// Select degrades to priors without the store.
			status, store = "degraded", "unreachable"
		} else {
			store = "ok"
		}
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"store":     store,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// SelectRequest is the body of POST /api/v1/route/select.
type SelectRequest struct {
	TenantID        string  `json:"tenant_id,omitempty"`
	TaskType        string  `json:"task_type"`
	TemplateKey     string  `json:"template_key,omitempty"`
	RequestedModel  string  `json:"requested_model,omitempty"`
	RequestID       string  `json:"request_id,omitempty"`
	EstimatedTokens int     `json:"estimated_tokens,omitempty"`
	LatencySLOMs    float64 `json:"latency_slo_ms,omitempty"`
	Explain         bool    `json:"explain,omitempty"`
}

// Select handles POST /api/v1/route/select
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.TenantID = firstOrDefault(req.TenantID, r.Header.Get("X-Tenant-ID"))
	if req.TenantID == "" {
		writeError(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	task, err := catalog.ParseTaskType(req.TaskType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EstimatedTokens < 0 || req.LatencySLOMs < 0 {
		writeError(w, "estimated_tokens and latency_slo_ms must not be negative", http.StatusBadRequest)
		return
	}

	decision, err := h.engine.Select(r.Context(), routing.Request{
		TenantID:        req.TenantID,
		TaskType:        task,
		TemplateKey:     req.TemplateKey,
		RequestedModel:  req.RequestedModel,
		RequestID:       firstOrDefault(req.RequestID, r.Header.Get("X-Request-ID")),
		EstimatedTokens: req.EstimatedTokens,
		LatencySLOMs:    req.LatencySLOMs,
	})
	if err != nil {
		var se *routing.SelectionError
		if errors.As(err, &se) {
			h.writeSelectionError(w, se)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !req.Explain {
		decision.Candidates = nil
	}
	writeJSON(w, http.StatusOK, decision)
}

// OutcomeRequest is the body of POST /api/v1/route/outcomes.
type OutcomeRequest struct {
	TenantID  string   `json:"tenant_id,omitempty"`
	TaskType  string   `json:"task_type"`
	Model     string   `json:"model"`
	RequestID string   `json:"request_id,omitempty"`
	Success   *bool    `json:"success"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	CostMinor *float64 `json:"cost_minor,omitempty"`
}

// RecordOutcome handles POST /api/v1/route/outcomes. With ?async=true the
// outcome is queued and 202 is returned immediately.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.TenantID = firstOrDefault(req.TenantID, r.Header.Get("X-Tenant-ID"))
	if req.TenantID == "" || req.Model == "" || req.Success == nil {
		writeError(w, "tenant_id, model and success are required", http.StatusBadRequest)
		return
	}
	task, err := catalog.ParseTaskType(req.TaskType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (req.LatencyMs != nil && *req.LatencyMs < 0) || (req.CostMinor != nil && *req.CostMinor < 0) {
		writeError(w, "latency_ms and cost_minor must not be negative", http.StatusBadRequest)
		return
	}

	report := routing.OutcomeReport{
		TenantID:  req.TenantID,
		TaskType:  task,
		Model:     req.Model,
		RequestID: firstOrDefault(req.RequestID, r.Header.Get("X-Request-ID")),
		Outcome: scorecard.Outcome{
			Success:   *req.Success,
			LatencyMs: req.LatencyMs,
			CostMinor: req.CostMinor,
		},
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.engine.RecordOutcomeAsync(report)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	card, err := h.engine.RecordOutcome(r.Context(), report)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, newCardView(card))
}

// GetBreaker handles GET /api/v1/breakers/{provider}
func (h *Handler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	writeJSON(w, http.StatusOK, h.engine.Breakers().State(r.Context(), provider))
}

// ResetBreaker handles POST /api/v1/breakers/{provider}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if err := h.engine.Breakers().Reset(r.Context(), provider); err != nil {
		h.log.WarnErr("", "", "breaker reset failed", err, map[string]interface{}{"provider": provider})
		writeError(w, "state store unavailable", http.StatusServiceUnavailable)
		return
	}
	h.log.Info("", "", "breaker reset", map[string]interface{}{"provider": provider})
	writeJSON(w, http.StatusOK, h.engine.Breakers().State(r.Context(), provider))
}

// CardView is a scorecard with its derived statistics.
type CardView struct {
	*scorecard.ScoreCard
	PosteriorMean float64 `json:"posterior_mean"`
	P95LatencyMs  float64 `json:"p95_latency_ms,omitempty"`
	P95CostMinor  float64 `json:"p95_cost_minor,omitempty"`
}

func newCardView(c *scorecard.ScoreCard) CardView {
	v := CardView{ScoreCard: c, PosteriorMean: scorecard.PosteriorMean(c)}
	if c.HasLatency() {
		v.P95LatencyMs = scorecard.ApproxP95Latency(c)
	}
	if c.HasCost() {
		v.P95CostMinor = scorecard.ApproxP95Cost(c)
	}
	return v
}

// ListScorecards handles GET /api/v1/scorecards/{tenant}/{task}
func (h *Handler) ListScorecards(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := catalog.ParseTaskType(vars["task"])
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	cards, err := h.engine.Scorecards().Load(r.Context(), vars["tenant"], task)
	views := make([]CardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, newCardView(c))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Model < views[j].Model })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": vars["tenant"],
		"task_type": task,
		"degraded":  err != nil,
		"cards":     views,
	})
}

// ResetScorecard handles DELETE /api/v1/scorecards/{tenant}/{task}/{model}
func (h *Handler) ResetScorecard(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	task, err := catalog.ParseTaskType(vars["task"])
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.engine.Scorecards().Reset(r.Context(), vars["tenant"], task, vars["model"]); err != nil {
		writeError(w, "state store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func flagScope(r *http.Request) string {
	scope := mux.Vars(r)["scope"]
	if scope == "global" {
		return ""
	}
	return scope
}

// GetFlag handles GET /api/v1/flags/{scope}
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, "policy flags are not enabled", http.StatusNotImplemented)
		return
	}
	layer, err := h.flags.Get(r.Context(), flagScope(r))
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if layer == nil {
		writeError(w, "no flag set", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, layer)
}

// SetFlag handles PUT /api/v1/flags/{scope}
func (h *Handler) SetFlag(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, "policy flags are not enabled", http.StatusNotImplemented)
		return
	}
	var layer policy.Layer
	if err := json.NewDecoder(r.Body).Decode(&layer); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	scope := flagScope(r)
	if err := h.flags.Set(r.Context(), scope, &layer); err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.log.Info(scope, "", "policy flag set", map[string]interface{}{
		"scope": mux.Vars(r)["scope"],
	})
	writeJSON(w, http.StatusOK, &layer)
}

// ClearFlag handles DELETE /api/v1/flags/{scope}
func (h *Handler) ClearFlag(w http.ResponseWriter, r *http.Request) {
	if h.flags == nil {
		writeError(w, "policy flags are not enabled", http.StatusNotImplemented)
		return
	}
	if err := h.flags.Clear(r.Context(), flagScope(r)); err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolvePolicy handles GET /api/v1/policy/{tenant}?template=key
func (h *Handler) ResolvePolicy(w http.ResponseWriter, r *http.Request) {
	p := h.engine.Policies().Resolve(r.Context(), mux.Vars(r)["tenant"], r.URL.Query().Get("template"))
	writeJSON(w, http.StatusOK, p)
}

// CacheRequest addresses the response cache for a tenant.
type CacheRequest struct {
	TenantID    string           `json:"tenant_id,omitempty"`
	TemplateKey string           `json:"template_key,omitempty"`
	Key         respcache.Key    `json:"key"`
	Entry       *respcache.Entry `json:"entry,omitempty"`
}

func (h *Handler) decodeCacheRequest(w http.ResponseWriter, r *http.Request) (*CacheRequest, bool) {
	var req CacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	req.TenantID = firstOrDefault(req.TenantID, r.Header.Get("X-Tenant-ID"))
	if req.TenantID == "" {
		writeError(w, "tenant_id is required", http.StatusBadRequest)
		return nil, false
	}
	if req.Key.UserID == "" {
		req.Key.UserID = r.Header.Get("X-User-ID")
	}
	return &req, true
}

// CacheLookup handles POST /api/v1/cache/lookup
func (h *Handler) CacheLookup(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCacheRequest(w, r)
	if !ok {
		return
	}
	entry, hit := h.engine.Cache(r.Context(), req.TenantID, req.TemplateKey).Get(r.Context(), req.Key)
	if !hit {
		writeError(w, "cache miss", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// CacheStore handles PUT /api/v1/cache
func (h *Handler) CacheStore(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCacheRequest(w, r)
	if !ok {
		return
	}
	if req.Entry == nil || len(req.Entry.Response) == 0 {
		writeError(w, "entry.response is required", http.StatusBadRequest)
		return
	}

	cache := h.engine.Cache(r.Context(), req.TenantID, req.TemplateKey)
	if !cache.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"cached": false})
		return
	}
	if err := cache.Put(r.Context(), req.Key, *req.Entry); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cached":      true,
		"ttl_seconds": int(cache.TTL().Seconds()),
	})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func (h *Handler) writeSelectionError(w http.ResponseWriter, se *routing.SelectionError) {
	status := se.Reason.StatusCode()
	if se.Reason.Retryable() {
		cooldown := h.engine.Breakers().Config().Cooldown
		w.Header().Set("Retry-After", strconv.Itoa(int(cooldown.Seconds())))
	}
	writeJSON(w, status, map[string]interface{}{
		"error":     http.StatusText(status),
		"message":   se.Message,
		"reason":    se.Reason,
		"retryable": se.Reason.Retryable(),
	})
}

func firstOrDefault(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
