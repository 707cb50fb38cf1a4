// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package yamlfile loads YAML configuration files with ${VAR} expansion.
package yamlfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matches ${VAR_NAME}, ${VAR_NAME:-default} and $VAR_NAME.
var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// ExpandEnv substitutes environment variables in content. Undefined
// variables without a default expand to the empty string.
func ExpandEnv(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}

		if value := os.Getenv(name); value != "" {
			return value
		}
		return def
	})
}

// Decode expands env vars in data and decodes it into out, rejecting
// unknown fields.
func Decode(data []byte, out interface{}) error {
	expanded := ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty document: leave out at its zero value.
			return nil
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Load reads path and decodes it into out.
func Load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Decode(data, out)
}
