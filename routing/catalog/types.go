// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package catalog is the capability registry consulted by the router: which
// models exist, what task types they serve, what they cost, and whether the
// platform holds a usable credential for their provider.
package catalog

import (
	"context"
	"fmt"
	"strings"
)

// TaskType is the closed set of task categories the router partitions on.
type TaskType string

const (
	TaskChat           TaskType = "chat"
	TaskCompletion     TaskType = "completion"
	TaskCodeGeneration TaskType = "code_generation"
	TaskSummarization  TaskType = "summarization"
	TaskClassification TaskType = "classification"
	TaskExtraction     TaskType = "extraction"
	TaskEmbedding      TaskType = "embedding"
	TaskToolUse        TaskType = "tool_use"
)

// TaskTypes lists every valid TaskType.
var TaskTypes = []TaskType{
	TaskChat,
	TaskCompletion,
	TaskCodeGeneration,
	TaskSummarization,
	TaskClassification,
	TaskExtraction,
	TaskEmbedding,
	TaskToolUse,
}

// ParseTaskType validates s against the known task types.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range TaskTypes {
		if t == valid {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// ModelCandidate is one routable model.
type ModelCandidate struct {
	Provider     string     `json:"provider" yaml:"provider"`
	Model        string     `json:"model" yaml:"model"`
	Capabilities []TaskType `json:"capabilities" yaml:"capabilities"`

	// UnitCostPer1K is the price in minor currency units (cents) per 1000
	// tokens. Zero means unknown.
	UnitCostPer1K float64 `json:"unit_cost_per_1k" yaml:"unit_cost_per_1k"`
}

// Supports reports whether the candidate lists task among its capabilities.
func (c ModelCandidate) Supports(task TaskType) bool {
	for _, t := range c.Capabilities {
		if t == task {
			return true
		}
	}
	return false
}

// Registry supplies candidates and credential checks to the router.
type Registry interface {
	// ListCandidates returns candidates serving task, in a stable order.
	ListCandidates(ctx context.Context, task TaskType) ([]ModelCandidate, error)

	// HasCredential reports whether provider can be called right now.
	HasCredential(ctx context.Context, provider string) bool

	// ProviderFor returns the provider serving model.
	ProviderFor(model string) (string, bool)
}

// CredentialChecker decides whether a provider has a usable credential.
type CredentialChecker interface {
	HasCredential(ctx context.Context, provider string) bool
}
