// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package history is the durable scorecard tier. It only matters for cold
// hydration after hot-tier loss; routing never waits on it for correctness.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// SQL drivers for Open.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"axonflow/modelrouter/routing/scorecard"
)

// Backend is a scorecard.History that owns a connection.
type Backend interface {
	scorecard.History
	Close(ctx context.Context) error
}

// Config selects and addresses a durable backend.
type Config struct {
	// Backend is one of none, postgres, mysql, mongodb, cassandra.
	Backend string

	DatabaseURL string

	MongoURI      string
	MongoDatabase string

	CassandraHosts       []string
	CassandraKeyspace    string
	CassandraConsistency string

	// EnsureSchema creates tables or indexes on Open.
	EnsureSchema bool
}

type nopBackend struct {
	scorecard.NopHistory
}

func (nopBackend) Close(context.Context) error { return nil }

// Open connects the configured backend. An empty or "none" backend yields
// a no-op History.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nopBackend{}, nil

	case "postgres", "postgresql":
		return openSQL(ctx, "postgres", Postgres, cfg)

	case "mysql":
		return openSQL(ctx, "mysql", MySQL, cfg)

	case "mongodb", "mongo":
		m, err := DialMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureSchema {
			if err := m.EnsureIndexes(ctx); err != nil {
				_ = m.Close(ctx)
				return nil, err
			}
		}
		return m, nil

	case "cassandra":
		c, err := DialCassandra(cfg.CassandraHosts, cfg.CassandraKeyspace, cfg.CassandraConsistency)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureSchema {
			if err := c.EnsureSchema(ctx); err != nil {
				_ = c.Close(ctx)
				return nil, err
			}
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown durable backend %q", cfg.Backend)
	}
}

func openSQL(ctx context.Context, driver string, dialect Dialect, cfg Config) (Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for %s backend", dialect)
	}

	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s, err := NewSQL(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}
