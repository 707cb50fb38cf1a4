// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package scorecard keeps per (tenant, task type, model) routing statistics:
// a Beta posterior over success probability and Welford accumulators for
// latency and cost.
//
// ScoreCard math is pure. Store moves cards between the hot tier (kvstore)
// and the durable History tier.
package scorecard

import (
	"math"
	"time"

	"axonflow/modelrouter/routing/catalog"
)

// z95 is the one-sided 95th percentile of the standard normal.
const z95 = 1.645

// ScoreCard is the learned state for one (tenant, task type, model) triple.
type ScoreCard struct {
	TenantID string           `json:"tenant_id" bson:"tenant_id"`
	TaskType catalog.TaskType `json:"task_type" bson:"task_type"`
	Model    string           `json:"model" bson:"model"`

	Trials    uint64  `json:"trials" bson:"trials"`
	Successes uint64  `json:"successes" bson:"successes"`
	Alpha     float64 `json:"alpha" bson:"alpha"`
	Beta      float64 `json:"beta" bson:"beta"`

	LatencyMean  float64 `json:"latency_mean" bson:"latency_mean"`
	LatencyM2    float64 `json:"latency_m2" bson:"latency_m2"`
	LatencyCount uint64  `json:"latency_count" bson:"latency_count"`

	CostMean  float64 `json:"cost_mean" bson:"cost_mean"`
	CostM2    float64 `json:"cost_m2" bson:"cost_m2"`
	CostCount uint64  `json:"cost_count" bson:"cost_count"`

	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Outcome is the observed result of one model call. Latency and cost are
// optional; nil leaves the accumulator untouched.
type Outcome struct {
	Success   bool     `json:"success"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
	CostMinor *float64 `json:"cost_minor,omitempty"`
}

// New returns a card with the uniform Beta(1, 1) prior.
func New(tenantID string, task catalog.TaskType, model string) *ScoreCard {
	return &ScoreCard{
		TenantID: tenantID,
		TaskType: task,
		Model:    model,
		Alpha:    1,
		Beta:     1,
	}
}

// Failures is Trials - Successes.
func (c *ScoreCard) Failures() uint64 {
	return c.Trials - c.Successes
}

// Update folds one outcome into the card.
func (c *ScoreCard) Update(o Outcome) {
	c.Trials++
	if o.Success {
		c.Successes++
		c.Alpha++
	} else {
		c.Beta++
	}

	if o.LatencyMs != nil {
		welford(&c.LatencyMean, &c.LatencyM2, &c.LatencyCount, *o.LatencyMs)
	}
	if o.CostMinor != nil {
		welford(&c.CostMean, &c.CostM2, &c.CostCount, *o.CostMinor)
	}
}

// Normalize repairs cards read from a store so the posterior invariants hold
// (Alpha >= 1, Beta >= 1, Successes <= Trials).
func (c *ScoreCard) Normalize() {
	if c.Alpha < 1 || math.IsNaN(c.Alpha) {
		c.Alpha = 1
	}
	if c.Beta < 1 || math.IsNaN(c.Beta) {
		c.Beta = 1
	}
	if c.Successes > c.Trials {
		c.Successes = c.Trials
	}
}

// Clone returns a copy of c.
func (c *ScoreCard) Clone() *ScoreCard {
	cp := *c
	return &cp
}

// HasLatency reports whether any latency has been observed.
func (c *ScoreCard) HasLatency() bool {
	return c.LatencyCount > 0
}

// HasCost reports whether any cost has been observed.
func (c *ScoreCard) HasCost() bool {
	return c.CostCount > 0
}

// PosteriorMean is alpha / (alpha + beta).
func PosteriorMean(c *ScoreCard) float64 {
	return c.Alpha / (c.Alpha + c.Beta)
}

// ApproxP95Latency is mean + 1.645 sigma of observed latency in ms.
// It is a soft signal, not a percentile guarantee.
func ApproxP95Latency(c *ScoreCard) float64 {
	return c.LatencyMean + z95*stddev(c.LatencyM2, c.LatencyCount)
}

// ApproxP95Cost is mean + 1.645 sigma of observed cost in minor units.
func ApproxP95Cost(c *ScoreCard) float64 {
	return c.CostMean + z95*stddev(c.CostM2, c.CostCount)
}

func welford(mean, m2 *float64, count *uint64, x float64) {
	*count++
	delta := x - *mean
	*mean += delta / float64(*count)
	*m2 += delta * (x - *mean)
}

// stddev is the sample standard deviation; zero below two observations.
func stddev(m2 float64, count uint64) float64 {
	if count < 2 || m2 <= 0 {
		return 0
	}
	return math.Sqrt(m2 / float64(count-1))
}
