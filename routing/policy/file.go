// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"context"
	"fmt"
	"os"
	"sync"

	"axonflow/modelrouter/shared/logger"
	"axonflow/modelrouter/shared/yamlfile"
)

// File is the on-disk policy format.
//
//	defaults:
//	  fallback_chain: [openai, anthropic]
//	templates:
//	  support-bot:
//	    max_latency_ms: 2000
//	tenants:
//	  acme:
//	    disabled_providers: [gemini]
//	    cache_ttl: 0s
type File struct {
	Defaults  *Layer            `yaml:"defaults,omitempty"`
	Templates map[string]*Layer `yaml:"templates,omitempty"`
	Tenants   map[string]*Layer `yaml:"tenants,omitempty"`
}

// ReadFunc fetches the raw policy document at location.
type ReadFunc func(ctx context.Context, location string) ([]byte, error)

func readLocal(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// FileSource serves a policy file and can reload it in place.
type FileSource struct {
	path string
	read ReadFunc
	log  *logger.Logger

	mu   sync.RWMutex
	file *File
}

// LoadFileSource reads path from the local filesystem.
func LoadFileSource(path string, log *logger.Logger) (*FileSource, error) {
	return LoadFileSourceWith(context.Background(), path, readLocal, log)
}

// LoadFileSourceWith reads location through read, which is also used by
// later reloads.
func LoadFileSourceWith(ctx context.Context, location string, read ReadFunc, log *logger.Logger) (*FileSource, error) {
	if log == nil {
		log = logger.New("policy")
	}
	if read == nil {
		read = readLocal
	}
	fs := &FileSource{path: location, read: read, log: log}
	if err := fs.Reload(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewFileSource serves f without a backing path.
func NewFileSource(f *File) *FileSource {
	return &FileSource{file: f, log: logger.New("policy")}
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (fs *FileSource) Reload(ctx context.Context) error {
	if fs.path == "" || fs.read == nil {
		return fmt.Errorf("policy source has no file path")
	}

	var f File
	data, err := fs.read(ctx, fs.path)
	if err == nil {
		err = yamlfile.Decode(data, &f)
	}
	if err != nil {
		fs.log.WarnErr("", "", "policy reload failed, keeping previous", err, map[string]interface{}{
			"path": fs.path,
		})
		return err
	}

	fs.mu.Lock()
	fs.file = &f
	fs.mu.Unlock()

	fs.log.Info("", "", "policy file loaded", map[string]interface{}{
		"path":      fs.path,
		"tenants":   len(f.Tenants),
		"templates": len(f.Templates),
	})
	return nil
}

// Layers returns defaults, template and tenant layers from the snapshot.
func (fs *FileSource) Layers(_ context.Context, tenantID, templateKey string) ([]*Layer, error) {
	fs.mu.RLock()
	f := fs.file
	fs.mu.RUnlock()

	if f == nil {
		return nil, nil
	}
	out := []*Layer{f.Defaults}
	if templateKey != "" {
		out = append(out, f.Templates[templateKey])
	}
	return append(out, f.Tenants[tenantID]), nil
}
