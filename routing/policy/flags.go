// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"axonflow/modelrouter/shared/kvstore"
)

// FlagSource holds operator overrides in the shared kvstore so they apply to
// every router instance at once. The global layer sits below the tenant
// layer.
type FlagSource struct {
	kv kvstore.Store
}

// NewFlagSource creates a FlagSource over kv.
func NewFlagSource(kv kvstore.Store) *FlagSource {
	return &FlagSource{kv: kv}
}

const globalScope = ""

func flagKey(tenantID string) string {
	if tenantID == globalScope {
		return "policyflag:global"
	}
	return "policyflag:tenant:" + tenantID
}

// Layers returns the global then the tenant flag layer. Missing flags are
// nil layers.
func (f *FlagSource) Layers(ctx context.Context, tenantID, _ string) ([]*Layer, error) {
	keys := []string{flagKey(globalScope)}
	if tenantID != "" {
		keys = append(keys, flagKey(tenantID))
	}

	raw, err := f.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy flags: %w", err)
	}

	out := make([]*Layer, 0, len(keys))
	for _, k := range keys {
		data, ok := raw[k]
		if !ok {
			continue
		}
		var l Layer
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("invalid policy flag %s: %w", k, err)
		}
		out = append(out, &l)
	}
	return out, nil
}

// Get returns the flag layer for tenantID ("" for global), or nil.
func (f *FlagSource) Get(ctx context.Context, tenantID string) (*Layer, error) {
	data, err := f.kv.Get(ctx, flagKey(tenantID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy flag: %w", err)
	}
	var l Layer
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("invalid policy flag: %w", err)
	}
	return &l, nil
}

// Set stores the flag layer for tenantID ("" for global) with no expiry.
func (f *FlagSource) Set(ctx context.Context, tenantID string, l *Layer) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode policy flag: %w", err)
	}
	if err := f.kv.Set(ctx, flagKey(tenantID), data, 0); err != nil {
		return fmt.Errorf("failed to write policy flag: %w", err)
	}
	return nil
}

// Clear removes the flag layer for tenantID ("" for global).
func (f *FlagSource) Clear(ctx context.Context, tenantID string) error {
	if err := f.kv.Delete(ctx, flagKey(tenantID)); err != nil {
		return fmt.Errorf("failed to clear policy flag: %w", err)
	}
	return nil
}
