// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/scorecard"
)

// Cassandra partitions scorecards by (tenant, task) with model as the
// clustering key. INSERT is an upsert in CQL.
type Cassandra struct {
	session *gocql.Session
}

// NewCassandra wraps an open session.
func NewCassandra(session *gocql.Session) *Cassandra {
	return &Cassandra{session: session}
}

// DialCassandra connects to hosts using keyspace at the given consistency
// (QUORUM when empty or unknown).
func DialCassandra(hosts []string, keyspace, consistency string) (*Cassandra, error) {
	if len(hosts) == 0 || keyspace == "" {
		return nil, errors.New("cassandra hosts and keyspace are required")
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = ParseConsistency(consistency)
	cluster.Timeout = 5 * time.Second
	cluster.NumConns = 2

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return NewCassandra(session), nil
}

// ParseConsistency maps a CQL consistency name to gocql.
func ParseConsistency(level string) gocql.Consistency {
	switch strings.ToUpper(level) {
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.Quorum
	}
}

// EnsureSchema creates the scorecard table in the session keyspace.
func (c *Cassandra) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS router_scorecards (
		tenant_id text,
		task_type text,
		model text,
		trials bigint,
		successes bigint,
		alpha double,
		beta double,
		latency_mean double,
		latency_m2 double,
		latency_count bigint,
		cost_mean double,
		cost_m2 double,
		cost_count bigint,
		updated_at timestamp,
		PRIMARY KEY ((tenant_id, task_type), model)
	)`
	if err := c.session.Query(ddl).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create router_scorecards: %w", err)
	}
	return nil
}

// UpsertCard writes card.
func (c *Cassandra) UpsertCard(ctx context.Context, card *scorecard.ScoreCard) error {
	if card == nil {
		return errors.New("card cannot be nil")
	}
	updatedAt := card.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `INSERT INTO router_scorecards (
		tenant_id, task_type, model, trials, successes, alpha, beta,
		latency_mean, latency_m2, latency_count, cost_mean, cost_m2, cost_count, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := c.session.Query(query,
		card.TenantID, string(card.TaskType), card.Model,
		int64(card.Trials), int64(card.Successes), card.Alpha, card.Beta,
		card.LatencyMean, card.LatencyM2, int64(card.LatencyCount),
		card.CostMean, card.CostM2, int64(card.CostCount),
		updatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert scorecard: %w", err)
	}
	return nil
}

// LoadCards reads the (tenant, task) partition.
func (c *Cassandra) LoadCards(ctx context.Context, tenantID string, task catalog.TaskType) ([]*scorecard.ScoreCard, error) {
	query := `SELECT model, trials, successes, alpha, beta,
		latency_mean, latency_m2, latency_count, cost_mean, cost_m2, cost_count, updated_at
		FROM router_scorecards WHERE tenant_id = ? AND task_type = ?`

	iter := c.session.Query(query, tenantID, string(task)).WithContext(ctx).Iter()

	var cards []*scorecard.ScoreCard
	var model string
	var trials, successes, latencyCount, costCount int64
	var alpha, beta, latMean, latM2, costMean, costM2 float64
	var updatedAt time.Time
	for iter.Scan(&model, &trials, &successes, &alpha, &beta,
		&latMean, &latM2, &latencyCount, &costMean, &costM2, &costCount, &updatedAt) {
		cards = append(cards, &scorecard.ScoreCard{
			TenantID:     tenantID,
			TaskType:     task,
			Model:        model,
			Trials:       uint64(trials),
			Successes:    uint64(successes),
			Alpha:        alpha,
			Beta:         beta,
			LatencyMean:  latMean,
			LatencyM2:    latM2,
			LatencyCount: uint64(latencyCount),
			CostMean:     costMean,
			CostM2:       costM2,
			CostCount:    uint64(costCount),
			UpdatedAt:    updatedAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to load scorecards: %w", err)
	}
	return cards, nil
}

// Close closes the session.
func (c *Cassandra) Close(context.Context) error {
	c.session.Close()
	return nil
}

var _ Backend = (*Cassandra)(nil)
