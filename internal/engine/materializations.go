package engine

// materializations.go - Physical creation of models in the warehouse

import (
	"context"
	"fmt"

	"github.com/flowline-labs/flowline/pkg/core"
)

// materialize builds the model's physical relation from its resolved
// SQL. Both strategies use drop-and-replace so repeated runs are
// idempotent. Returns the row count for table materializations.
func (e *Engine) materialize(ctx context.Context, model *core.Model, resolvedSQL string) (int64, error) {
	if model.Schema != "" {
		stmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", model.Schema)
		if err := e.db.Exec(ctx, stmt); err != nil {
			return 0, &MaterializationError{Node: model.Name, Err: fmt.Errorf("create schema %s: %w", model.Schema, err)}
		}
	}

	physical := model.PhysicalName()

	switch model.Materialized {
	case core.MaterializedTable:
		if err := e.db.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", physical)); err != nil {
			return 0, &MaterializationError{Node: model.Name, Err: err}
		}
		if err := e.db.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS\n%s", physical, resolvedSQL)); err != nil {
			return 0, &MaterializationError{Node: model.Name, Err: err}
		}
		rows, err := e.countRows(ctx, physical)
		if err != nil {
			// Table exists; a failed count should not fail the model
			e.logger.Debug("row count failed", "model", model.Name, "error", err)
			return 0, nil
		}
		return rows, nil

	case core.MaterializedView:
		if err := e.db.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", physical)); err != nil {
			return 0, &MaterializationError{Node: model.Name, Err: err}
		}
		if err := e.db.Exec(ctx, fmt.Sprintf("CREATE VIEW %s AS\n%s", physical, resolvedSQL)); err != nil {
			return 0, &MaterializationError{Node: model.Name, Err: err}
		}
		return 0, nil

	default:
		return 0, &MaterializationError{
			Node: model.Name,
			Err:  fmt.Errorf("unknown materialization %q", model.Materialized),
		}
	}
}

// countRows returns the row count of a physical relation.
func (e *Engine) countRows(ctx context.Context, physical string) (int64, error) {
	rows, err := e.db.Query(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", physical))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	if !rows.Next() {
		return 0, rows.Err()
	}
	if err := rows.Scan(&count); err != nil {
		return 0, err
	}
	return count, rows.Err()
}
