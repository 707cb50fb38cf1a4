// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the AxonFlow model router.
//
// The router picks an LLM model per request from the configured catalog,
// learns from reported outcomes, and trips per-provider circuit breakers
// on repeated failures.
//
// Usage:
//
//	modelrouter serve
//	modelrouter breaker status openai
//	modelrouter scorecards list acme chat
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	REDIS_URL - shared state store; in-process state when unset
//	CATALOG_FILE - model catalog YAML path or s3://, gs://, azblob:// URI
//	               (default: config/catalog.yaml)
//	POLICY_FILE - routing policy YAML path or URI (optional, reloaded on SIGHUP)
//	DURABLE_BACKEND - none, postgres, mysql, mongodb or cassandra
//	AWS_REGION - enables Secrets Manager credential checks
//	ROUTER_* - engine tuning, see routing.LoadConfigFromEnv
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "modelrouter",
		Short:   "AxonFlow adaptive model router",
		Long:    `modelrouter selects an LLM model per request and learns from call outcomes.`,
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(scorecardsCmd())
	rootCmd.AddCommand(selectCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
