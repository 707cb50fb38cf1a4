// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package blobfile reads configuration documents from local paths or
// object storage.
//
// Supported locations:
//
//	/etc/modelrouter/catalog.yaml
//	file:///etc/modelrouter/catalog.yaml
//	s3://bucket/path/catalog.yaml
//	gs://bucket/path/catalog.yaml
//	azblob://container/path/catalog.yaml
//
// Object storage clients are created on first use, so a process that only
// reads local files never loads cloud credentials.
package blobfile

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"axonflow/modelrouter/shared/logger"
)

// Scheme names accepted in locations.
const (
	SchemeFile  = "file"
	SchemeS3    = "s3"
	SchemeGCS   = "gs"
	SchemeAzure = "azblob"
)

// MaxSize caps how much of an object is read.
const MaxSize = 8 << 20

// Backend opens one object in a bucket or container.
type Backend interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Location is a parsed document location.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// Parse splits a location into scheme, bucket and key. A bare path is a
// local file.
func Parse(location string) (Location, error) {
	if location == "" {
		return Location{}, fmt.Errorf("empty location")
	}
	if !strings.Contains(location, "://") {
		return Location{Scheme: SchemeFile, Key: location}, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return Location{}, fmt.Errorf("invalid location %q: %w", location, err)
	}

	switch u.Scheme {
	case SchemeFile:
		if u.Path == "" {
			return Location{}, fmt.Errorf("invalid location %q: missing path", location)
		}
		return Location{Scheme: SchemeFile, Key: u.Path}, nil
	case SchemeS3, SchemeGCS, SchemeAzure:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("invalid location %q: want %s://bucket/key", location, u.Scheme)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Key: key}, nil
	default:
		return Location{}, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}

// Loader reads documents, dialing object storage backends lazily.
type Loader struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	backends map[string]Backend
	closers  []io.Closer
	dial     map[string]func(ctx context.Context, cfg Config) (Backend, io.Closer, error)
}

// Option configures a Loader.
type Option func(*Loader)

// WithBackend serves scheme from b instead of dialing a client.
func WithBackend(scheme string, b Backend) Option {
	return func(l *Loader) { l.backends[scheme] = b }
}

// WithLogger sets the loader's logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// NewLoader creates a loader for cfg.
func NewLoader(cfg Config, opts ...Option) *Loader {
	l := &Loader{
		cfg:      cfg,
		log:      logger.New("blobfile"),
		backends: make(map[string]Backend),
		dial: map[string]func(ctx context.Context, cfg Config) (Backend, io.Closer, error){
			SchemeS3:    dialS3,
			SchemeGCS:   dialGCS,
			SchemeAzure: dialAzure,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Read returns the document at location.
func (l *Loader) Read(ctx context.Context, location string) ([]byte, error) {
	loc, err := Parse(location)
	if err != nil {
		return nil, err
	}

	if loc.Scheme == SchemeFile {
		data, err := os.ReadFile(loc.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", loc.Key, err)
		}
		return data, nil
	}

	b, err := l.backend(ctx, loc.Scheme)
	if err != nil {
		return nil, err
	}

	r, err := b.Open(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", loc, err)
	}
	defer func() {
		_ = r.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", loc, err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", loc, MaxSize)
	}

	l.log.Debug("", "", "document fetched", map[string]interface{}{
		"location": loc.String(),
		"bytes":    len(data),
	})
	return data, nil
}

func (l *Loader) backend(ctx context.Context, scheme string) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.backends[scheme]; ok {
		return b, nil
	}
	dial, ok := l.dial[scheme]
	if !ok {
		return nil, fmt.Errorf("no backend for scheme %q", scheme)
	}
	b, closer, err := dial(ctx, l.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", scheme, err)
	}
	l.backends[scheme] = b
	if closer != nil {
		l.closers = append(l.closers, closer)
	}
	l.log.Info("", "", "object storage client created", map[string]interface{}{"scheme": scheme})
	return b, nil
}

// Close releases dialed clients.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}
