// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package routing picks an LLM model for each request and learns from the
// outcomes callers report back.
//
// Select runs a fixed pipeline over the registry's candidates:
//
//  1. discover candidates for the task that have a usable credential
//  2. honor an explicitly requested model
//  3. drop providers whose circuit breaker is open
//  4. apply the tenant's resolved policy
//  5. apply the cost and latency budgets
//  6. Thompson-sample each candidate's success rate and keep those within
//     the sampling margin of the best
//  7. rank by cost plus latency, lowest first
//
// Scorecards, breaker state and the response cache live in a shared
// kvstore so every router instance sees the same state. When that store is
// unreachable Select still answers from priors with every breaker closed.
package routing
