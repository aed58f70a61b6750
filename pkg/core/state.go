package core

import "time"

// RunStatus represents the status of a whole-graph run.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run trigger kinds.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Run represents one execution attempt of the dependency graph.
// It is created when the run is triggered and mutated only by the
// executor during that run.
type Run struct {
	ID          string
	Trigger     string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// NodeRunStatus represents the status of an individual node execution
// within a run.
type NodeRunStatus string

// Node run status constants.
const (
	NodeRunStatusPending    NodeRunStatus = "pending"
	NodeRunStatusRunning    NodeRunStatus = "running"
	NodeRunStatusSuccess    NodeRunStatus = "success"
	NodeRunStatusFailed     NodeRunStatus = "failed"
	NodeRunStatusFailedTest NodeRunStatus = "failed_test"
	NodeRunStatusSkipped    NodeRunStatus = "skipped"
	NodeRunStatusCancelled  NodeRunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s NodeRunStatus) Terminal() bool {
	switch s {
	case NodeRunStatusSuccess, NodeRunStatusFailed, NodeRunStatusFailedTest,
		NodeRunStatusSkipped, NodeRunStatusCancelled:
		return true
	}
	return false
}

// Node kinds recorded per node run.
const (
	NodeKindModel  = "model"
	NodeKindSource = "source"
)

// NodeRun records one node's outcome within a run.
type NodeRun struct {
	ID           string
	RunID        string
	Node         string
	Kind         string
	Status       NodeRunStatus
	RowsAffected int64
	ExecutionMS  int64
	Error        string
}

// SlotStatus represents the state of one scheduled occurrence.
type SlotStatus string

// Slot status constants.
const (
	SlotStatusPending SlotStatus = "pending"
	SlotStatusRunning SlotStatus = "running"
	SlotStatusSuccess SlotStatus = "success"
	SlotStatusFailed  SlotStatus = "failed"
)

// Slot is one scheduled occurrence of a run, per cadence interval.
// Manual slots are created by trigger_now outside the cadence.
type Slot struct {
	ID          string
	ScheduledAt time.Time
	Manual      bool
	Status      SlotStatus
	RunID       string
	CreatedAt   time.Time
}

// Store defines the interface for run-history state management.
type Store interface {
	Open(path string) error
	Close() error
	Migrate() error

	// Run operations
	CreateRun(trigger string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	ListRuns(limit int) ([]*Run, error)

	// Node run operations
	RecordNodeRun(nodeRun *NodeRun) error
	UpdateNodeRun(id string, status NodeRunStatus, rowsAffected int64, errMsg string, executionMS int64) error
	GetNodeRunsForRun(runID string) ([]*NodeRun, error)

	// Slot operations
	CreateSlot(scheduledAt time.Time, manual bool) (*Slot, error)
	UpdateSlot(id string, status SlotStatus, runID string) error
	ListSlots(limit int) ([]*Slot, error)
}
