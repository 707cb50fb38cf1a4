// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with tenant and request
correlation for the model router.

Each entry is a single JSON line:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"WARN",
	 "component":"scorecard","instance_id":"i-abc123","container":"router-xyz",
	 "tenant_id":"acme","message":"durable upsert failed",
	 "fields":{"error":"connection refused"}}

# Usage

	log := logger.New("routing")
	log.Info("acme", "req-456", "model selected", map[string]interface{}{
	    "model": "gpt-4o",
	})

Sub-components share the writer and level:

	bl := log.Named("breaker")

# Environment Variables

  - INSTANCE_ID: deployment instance identifier
  - LOG_LEVEL: DEBUG, INFO (default), WARN or ERROR

Logger instances are safe for concurrent use.
*/
package logger
