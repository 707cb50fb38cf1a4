// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"axonflow/modelrouter/routing"
	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/history"
	"axonflow/modelrouter/routing/policy"
	"axonflow/modelrouter/shared/blobfile"
	"axonflow/modelrouter/shared/kvstore"
	"axonflow/modelrouter/shared/logger"
)

// settings are the process-level environment variables. Engine tuning is
// read separately by routing.LoadConfigFromEnv.
type settings struct {
	Port          string
	RedisURL      string
	RedisPrefix   string
	CatalogFile   string
	PolicyFile    string
	AWSRegion     string
	History       history.Config
	Blobs         blobfile.Config
	AllowedOrigin []string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadSettings() settings {
	return settings{
		Port:          getEnv("PORT", "8090"),
		RedisURL:      os.Getenv("REDIS_URL"),
		RedisPrefix:   os.Getenv("REDIS_KEY_PREFIX"),
		CatalogFile:   getEnv("CATALOG_FILE", "config/catalog.yaml"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		AWSRegion:     os.Getenv("AWS_REGION"),
		AllowedOrigin: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		History: history.Config{
			Backend:              os.Getenv("DURABLE_BACKEND"),
			DatabaseURL:          os.Getenv("DATABASE_URL"),
			MongoURI:             os.Getenv("MONGO_URI"),
			MongoDatabase:        getEnv("MONGO_DATABASE", "modelrouter"),
			CassandraHosts:       splitList(os.Getenv("CASSANDRA_HOSTS")),
			CassandraKeyspace:    os.Getenv("CASSANDRA_KEYSPACE"),
			CassandraConsistency: os.Getenv("CASSANDRA_CONSISTENCY"),
			EnsureSchema:         os.Getenv("DURABLE_ENSURE_SCHEMA") == "true",
		},
		Blobs: blobfile.Config{
			S3Region:              os.Getenv("AWS_REGION"),
			S3Endpoint:            os.Getenv("S3_ENDPOINT"),
			S3ForcePathStyle:      os.Getenv("S3_FORCE_PATH_STYLE") == "true",
			GCSCredentialsFile:    os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			GCSEndpoint:           os.Getenv("GCS_ENDPOINT"),
			AzureConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
			AzureAccount:          os.Getenv("AZURE_STORAGE_ACCOUNT"),
			AzureAccountKey:       os.Getenv("AZURE_STORAGE_KEY"),
		},
	}
}

// components is everything a command needs, wired from settings.
type components struct {
	log     *logger.Logger
	kv      kvstore.Store
	history history.Backend
	blobs   *blobfile.Loader
	flags   *policy.FlagSource
	file    *policy.FileSource
	engine  *routing.Engine
	metrics *prometheus.Registry
}

func openStore(ctx context.Context, s settings, log *logger.Logger) (kvstore.Store, error) {
	if s.RedisURL == "" {
		log.Warn("", "", "REDIS_URL not set, using in-process state; instances will not share scorecards", nil)
		return kvstore.NewMemoryStore(), nil
	}
	var opts []kvstore.RedisOption
	if s.RedisPrefix != "" {
		opts = append(opts, kvstore.WithKeyPrefix(s.RedisPrefix))
	}
	store, err := kvstore.DialRedis(ctx, s.RedisURL, opts...)
	if err != nil {
		return nil, err
	}
	log.Info("", "", "connected to redis", nil)
	return store, nil
}

func loadRegistry(ctx context.Context, s settings, blobs *blobfile.Loader, log *logger.Logger) (*catalog.Static, error) {
	var secrets *catalog.SecretsManagerCredentials
	if s.AWSRegion != "" {
		sm, err := catalog.NewSecretsManagerCredentials(ctx, s.AWSRegion, log.Named("catalog"))
		if err != nil {
			return nil, err
		}
		secrets = sm
	}
	data, err := blobs.Read(ctx, s.CatalogFile)
	if err != nil {
		return nil, err
	}
	registry, err := catalog.Parse(data, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog %s: %w", s.CatalogFile, err)
	}
	return registry, nil
}

// wire builds the engine and its dependencies. Callers must close the
// returned components.
func wire(ctx context.Context, s settings, log *logger.Logger) (*components, error) {
	c := &components{
		log:     log,
		metrics: prometheus.NewRegistry(),
		blobs:   blobfile.NewLoader(s.Blobs, blobfile.WithLogger(log.Named("blobfile"))),
	}
	c.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	kv, err := openStore(ctx, s, log)
	if err != nil {
		return nil, err
	}
	c.kv = kv

	hist, err := history.Open(ctx, s.History)
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.history = hist

	registry, err := loadRegistry(ctx, s, c.blobs, log)
	if err != nil {
		c.close(ctx)
		return nil, err
	}

	var sources []policy.Source
	if s.PolicyFile != "" {
		fs, err := policy.LoadFileSourceWith(ctx, s.PolicyFile, c.blobs.Read, log.Named("policy"))
		if err != nil {
			c.close(ctx)
			return nil, err
		}
		c.file = fs
		sources = append(sources, fs)
	}
	c.flags = policy.NewFlagSource(kv)
	sources = append(sources, c.flags)

	engine, err := routing.NewEngine(registry, kv,
		routing.WithConfig(routing.LoadConfigFromEnv(log.Named("config"))),
		routing.WithLogger(log),
		routing.WithMetrics(routing.NewMetrics(c.metrics)),
		routing.WithHistory(hist),
		routing.WithPolicySources(sources...),
	)
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.engine = engine
	return c, nil
}

func (c *components) close(ctx context.Context) {
	if c.engine != nil {
		c.engine.Close()
	}
	if c.history != nil {
		if err := c.history.Close(ctx); err != nil {
			c.log.WarnErr("", "", "failed to close durable store", err, nil)
		}
	}
	if c.kv != nil {
		if err := c.kv.Close(); err != nil {
			c.log.WarnErr("", "", "failed to close state store", err, nil)
		}
	}
	if c.blobs != nil {
		if err := c.blobs.Close(); err != nil {
			c.log.WarnErr("", "", "failed to close object storage clients", err, nil)
		}
	}
}
