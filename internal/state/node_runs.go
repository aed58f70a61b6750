package state

import (
	"database/sql"
	"fmt"

	"github.com/flowline-labs/flowline/pkg/core"
)

// RecordNodeRun inserts a node run record. The ID is assigned if empty.
func (s *SQLiteStore) RecordNodeRun(nodeRun *core.NodeRun) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	if nodeRun.ID == "" {
		nodeRun.ID = generateID()
	}
	if nodeRun.Status == "" {
		nodeRun.Status = core.NodeRunStatusPending
	}

	var errorPtr *string
	if nodeRun.Error != "" {
		errorPtr = &nodeRun.Error
	}

	_, err := s.db.Exec(
		`INSERT INTO node_runs (id, run_id, node, kind, status, rows_affected, execution_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nodeRun.ID, nodeRun.RunID, nodeRun.Node, nodeRun.Kind, nodeRun.Status,
		nodeRun.RowsAffected, nodeRun.ExecutionMS, errorPtr,
	)
	if err != nil {
		return fmt.Errorf("failed to record node run: %w", err)
	}

	return nil
}

// UpdateNodeRun updates a node run's status and outcome.
func (s *SQLiteStore) UpdateNodeRun(id string, status core.NodeRunStatus, rowsAffected int64, errMsg string, executionMS int64) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var errorPtr *string
	if errMsg != "" {
		errorPtr = &errMsg
	}

	result, err := s.db.Exec(
		`UPDATE node_runs SET status = ?, rows_affected = ?, error = ?, execution_ms = ? WHERE id = ?`,
		status, rowsAffected, errorPtr, executionMS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update node run: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("node run not found: %s", id)
	}

	return nil
}

// GetNodeRunsForRun retrieves all node runs for a run, sorted by node name.
func (s *SQLiteStore) GetNodeRunsForRun(runID string) ([]*core.NodeRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, node, kind, status, rows_affected, execution_ms, error
		 FROM node_runs WHERE run_id = ? ORDER BY node`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get node runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodeRuns []*core.NodeRun
	for rows.Next() {
		nr := &core.NodeRun{}
		var errMsg sql.NullString
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.Node, &nr.Kind, &nr.Status, &nr.RowsAffected, &nr.ExecutionMS, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		if errMsg.Valid {
			nr.Error = errMsg.String
		}
		nodeRuns = append(nodeRuns, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node runs: %w", err)
	}

	return nodeRuns, nil
}
