// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"math"
	"sort"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/policy"
	"axonflow/modelrouter/routing/scorecard"
)

// CandidateScore is the ranking detail for one candidate, returned with a
// Decision for debugging.
type CandidateScore struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Success      float64 `json:"success"`
	CostEstimate float64 `json:"cost_estimate_minor"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	Score        float64 `json:"score"`
	Trials       uint64  `json:"trials"`

	// Eliminated names the stage that dropped the candidate, empty for
	// candidates that reached the final ranking.
	Eliminated string `json:"eliminated,omitempty"`
}

// Elimination stages.
const (
	stageBudgetCost    = "budget_cost"
	stageBudgetLatency = "budget_latency"
	stageMargin        = "sampling_margin"
	stageNonFinite     = "non_finite_score"
)

// scored is a candidate with its card and rank inputs.
type scored struct {
	candidate catalog.ModelCandidate
	card      *scorecard.ScoreCard
	order     int
	rank      int
	detail    CandidateScore
}

// estimateCost returns the expected cost in minor units for tokens. A
// candidate without a list price falls back to the observed mean cost.
func estimateCost(c catalog.ModelCandidate, card *scorecard.ScoreCard, tokens int) float64 {
	if c.UnitCostPer1K > 0 {
		return float64(tokens) / 1000 * c.UnitCostPer1K
	}
	if card.HasCost() {
		return card.CostMean
	}
	return 0
}

// observedP95 returns the latency p95, or 0 when the card has no latency
// samples.
func observedP95(card *scorecard.ScoreCard) float64 {
	if !card.HasLatency() {
		return 0
	}
	return scorecard.ApproxP95Latency(card)
}

// compositeScore is lower-is-better.
func compositeScore(cost, p95, sloMs float64) float64 {
	s := cost + LatencyWeight*p95
	if sloMs > 0 && p95 > sloMs {
		s += (p95 - sloMs) * SLOPenaltyWeight
	}
	return s
}

// withinBudget applies the policy cost and latency ceilings. The latency
// ceiling only applies once a candidate has latency data.
func withinBudget(s *scored, p policy.RouterPolicy) (bool, string) {
	if p.MaxCostPerTaskMinor != nil && s.detail.CostEstimate > float64(*p.MaxCostPerTaskMinor) {
		return false, stageBudgetCost
	}
	if p.MaxLatencyMs != nil && s.card.HasLatency() && s.detail.P95LatencyMs > float64(*p.MaxLatencyMs) {
		return false, stageBudgetLatency
	}
	return true, ""
}

// marginFilter keeps candidates whose success value is within margin of the
// best one.
func marginFilter(in []*scored, margin float64) (kept, dropped []*scored) {
	best := math.Inf(-1)
	for _, s := range in {
		if s.detail.Success > best {
			best = s.detail.Success
		}
	}
	for _, s := range in {
		if s.detail.Success >= best-margin {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}
	return kept, dropped
}

// rank orders by score, then fallback chain position, then discovery order.
func rank(in []*scored) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if a.detail.Score != b.detail.Score {
			return a.detail.Score < b.detail.Score
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.order < b.order
	})
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
