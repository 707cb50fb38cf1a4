// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			l := New("modelrouter")

			if l.Component != "modelrouter" {
				t.Errorf("Component = %q, want %q", l.Component, "modelrouter")
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %q, want %q", l.InstanceID, tt.expectedInstID)
			}
			if l.Container == "" {
				t.Error("expected container to be set from hostname")
			}
		})
	}
}

func TestLog_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("routing", &buf)
	l.SetLevel(DEBUG)

	l.Info("tenant-1", "req-1", "model selected", map[string]interface{}{"model": "gpt-4o"})

	line := strings.TrimSpace(buf.String())
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", buf.String())
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Level != INFO {
		t.Errorf("Level = %s, want INFO", entry.Level)
	}
	if entry.TenantID != "tenant-1" || entry.RequestID != "req-1" {
		t.Errorf("unexpected ids: tenant=%q request=%q", entry.TenantID, entry.RequestID)
	}
	if entry.Fields["model"] != "gpt-4o" {
		t.Errorf("Fields[model] = %v, want gpt-4o", entry.Fields["model"])
	}
}

func TestLog_LevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("routing", &buf)
	l.SetLevel(WARN)

	l.Debug("", "", "debug", nil)
	l.Info("", "", "info", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below WARN, got %q", buf.String())
	}

	l.Warn("", "", "warn", nil)
	l.Error("", "", "error", nil)
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 lines, got %d", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":  DEBUG,
		" WARN ": WARN,
		"error":  ERROR,
		"":       INFO,
		"trace":  INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWarnErrAndDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("routing", &buf)
	l.SetLevel(DEBUG)

	l.WarnErr("t", "r", "persist failed", errors.New("connection refused"), nil)
	l.InfoWithDuration("t", "r", "select done", 1.5, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var warn, info LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &warn); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &info); err != nil {
		t.Fatal(err)
	}
	if warn.Fields["error"] != "connection refused" {
		t.Errorf("error field = %v", warn.Fields["error"])
	}
	if info.Fields["duration_ms"] != 1.5 {
		t.Errorf("duration_ms = %v", info.Fields["duration_ms"])
	}
}

func TestNamed_SharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter("modelrouter", &buf)
	child := parent.Named("breaker")

	child.Info("", "", "opened", nil)

	if !strings.Contains(buf.String(), `"component":"breaker"`) {
		t.Errorf("expected child component in output: %s", buf.String())
	}
	if parent.Component != "modelrouter" {
		t.Errorf("parent component changed to %q", parent.Component)
	}
}
