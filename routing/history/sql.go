// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/scorecard"
)

// Dialect selects placeholder and upsert syntax.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// TableName is the scorecard table in both SQL dialects.
const TableName = "router_scorecards"

var scorecardColumns = []string{
	"tenant_id", "task_type", "model",
	"trials", "successes", "alpha", "beta",
	"latency_mean", "latency_m2", "latency_count",
	"cost_mean", "cost_m2", "cost_count",
	"updated_at",
}

// SQL stores scorecards in PostgreSQL or MySQL.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an open database. MySQL DSNs need parseTime=true.
func NewSQL(db *sql.DB, dialect Dialect) (*SQL, error) {
	switch dialect {
	case Postgres, MySQL:
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	return &SQL{db: db, dialect: dialect}, nil
}

func (s *SQL) placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		if s.dialect == Postgres {
			ph[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ph[i] = "?"
		}
	}
	return strings.Join(ph, ", ")
}

func (s *SQL) upsertQuery() string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		TableName, strings.Join(scorecardColumns, ", "), s.placeholders(len(scorecardColumns)))

	updates := make([]string, 0, len(scorecardColumns)-3)
	for _, col := range scorecardColumns[3:] {
		if s.dialect == Postgres {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		} else {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", col, col))
		}
	}

	if s.dialect == Postgres {
		b.WriteString(" ON CONFLICT (tenant_id, task_type, model) DO UPDATE SET ")
	} else {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
	}
	b.WriteString(strings.Join(updates, ", "))
	return b.String()
}

func (s *SQL) selectQuery() string {
	where := "tenant_id = $1 AND task_type = $2"
	if s.dialect == MySQL {
		where = "tenant_id = ? AND task_type = ?"
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY model",
		strings.Join(scorecardColumns, ", "), TableName, where)
}

// EnsureSchema creates the scorecard table if it does not exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS router_scorecards (
			tenant_id      VARCHAR(255) NOT NULL,
			task_type      VARCHAR(64)  NOT NULL,
			model          VARCHAR(255) NOT NULL,
			trials         BIGINT NOT NULL DEFAULT 0,
			successes      BIGINT NOT NULL DEFAULT 0,
			alpha          DOUBLE PRECISION NOT NULL DEFAULT 1,
			beta           DOUBLE PRECISION NOT NULL DEFAULT 1,
			latency_mean   DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_m2     DOUBLE PRECISION NOT NULL DEFAULT 0,
			latency_count  BIGINT NOT NULL DEFAULT 0,
			cost_mean      DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_m2        DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost_count     BIGINT NOT NULL DEFAULT 0,
			updated_at     TIMESTAMP NOT NULL,
			PRIMARY KEY (tenant_id, task_type, model)
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return nil
}

// UpsertCard writes card, replacing any stored row for the same key.
func (s *SQL) UpsertCard(ctx context.Context, card *scorecard.ScoreCard) error {
	if card == nil {
		return errors.New("card cannot be nil")
	}

	updatedAt := card.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.upsertQuery(),
		card.TenantID,
		string(card.TaskType),
		card.Model,
		int64(card.Trials),
		int64(card.Successes),
		card.Alpha,
		card.Beta,
		card.LatencyMean,
		card.LatencyM2,
		int64(card.LatencyCount),
		card.CostMean,
		card.CostM2,
		int64(card.CostCount),
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scorecard: %w", err)
	}
	return nil
}

// LoadCards returns every card for (tenant, task), ordered by model.
func (s *SQL) LoadCards(ctx context.Context, tenantID string, task catalog.TaskType) ([]*scorecard.ScoreCard, error) {
	rows, err := s.db.QueryContext(ctx, s.selectQuery(), tenantID, string(task))
	if err != nil {
		return nil, fmt.Errorf("failed to load scorecards: %w", err)
	}
	defer rows.Close()

	var cards []*scorecard.ScoreCard
	for rows.Next() {
		var c scorecard.ScoreCard
		var taskType string
		var trials, successes, latencyCount, costCount int64
		if err := rows.Scan(
			&c.TenantID,
			&taskType,
			&c.Model,
			&trials,
			&successes,
			&c.Alpha,
			&c.Beta,
			&c.LatencyMean,
			&c.LatencyM2,
			&latencyCount,
			&c.CostMean,
			&c.CostM2,
			&costCount,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scorecard: %w", err)
		}
		c.TaskType = catalog.TaskType(taskType)
		c.Trials = uint64(trials)
		c.Successes = uint64(successes)
		c.LatencyCount = uint64(latencyCount)
		c.CostCount = uint64(costCount)
		cards = append(cards, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scorecards: %w", err)
	}
	return cards, nil
}

// Close closes the database.
func (s *SQL) Close(context.Context) error {
	return s.db.Close()
}

var _ Backend = (*SQL)(nil)
