// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason explains a decision or a selection failure.
type Reason string

// Success reasons.
const (
	ReasonRequested     Reason = "requested"
	ReasonScored        Reason = "scored"
	ReasonFallbackChain Reason = "fallback_chain"
)

// Failure reasons.
const (
	ReasonNoCandidates          Reason = "no_candidates"
	ReasonAllProvidersUnhealthy Reason = "all_providers_unhealthy"
	ReasonPolicyExhausted       Reason = "policy_exhausted"
	ReasonNoViableModel         Reason = "no_viable_model"
)

// IsFailure reports whether r is a selection failure.
func (r Reason) IsFailure() bool {
	switch r {
	case ReasonNoCandidates, ReasonAllProvidersUnhealthy, ReasonPolicyExhausted, ReasonNoViableModel:
		return true
	}
	return false
}

// StatusCode maps a failure reason to the HTTP status the API returns.
// Unhealthy providers map to 429 since the breaker cooldown will lift it.
func (r Reason) StatusCode() int {
	switch r {
	case ReasonNoCandidates, ReasonNoViableModel:
		return http.StatusServiceUnavailable
	case ReasonAllProvidersUnhealthy:
		return http.StatusTooManyRequests
	case ReasonPolicyExhausted:
		return http.StatusForbidden
	default:
		return http.StatusOK
	}
}

// Retryable reports whether the same request may succeed later without a
// configuration change.
func (r Reason) Retryable() bool {
	return r == ReasonAllProvidersUnhealthy
}

// Sentinels for errors.Is.
var (
	ErrNoCandidates          = errors.New("no candidate model serves this task")
	ErrAllProvidersUnhealthy = errors.New("all candidate providers are unhealthy")
	ErrPolicyExhausted       = errors.New("routing policy excludes every candidate")
	ErrNoViableModel         = errors.New("no viable model")
)

// SelectionError is returned by Engine.Select for every failure.
type SelectionError struct {
	Reason   Reason `json:"reason"`
	TenantID string `json:"tenant_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Message  string `json:"message"`
}

func newSelectionError(reason Reason, tenantID, task, format string, args ...interface{}) *SelectionError {
	return &SelectionError{
		Reason:   reason,
		TenantID: tenantID,
		TaskType: task,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (e *SelectionError) Error() string {
	return fmt.Sprintf("model selection failed (%s): %s", e.Reason, e.Message)
}

// Unwrap returns the sentinel for the reason.
func (e *SelectionError) Unwrap() error {
	switch e.Reason {
	case ReasonNoCandidates:
		return ErrNoCandidates
	case ReasonAllProvidersUnhealthy:
		return ErrAllProvidersUnhealthy
	case ReasonPolicyExhausted:
		return ErrPolicyExhausted
	case ReasonNoViableModel:
		return ErrNoViableModel
	}
	return nil
}

// ReasonOf extracts the failure reason from err, or "" if err is not a
// SelectionError.
func ReasonOf(err error) Reason {
	var se *SelectionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}
