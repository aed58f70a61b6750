package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flowline-labs/flowline/pkg/core"
)

// CreateSlot creates a new pending slot.
func (s *SQLiteStore) CreateSlot(scheduledAt time.Time, manual bool) (*core.Slot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	slot := &core.Slot{
		ID:          generateID(),
		ScheduledAt: scheduledAt.UTC(),
		Manual:      manual,
		Status:      core.SlotStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO slots (id, scheduled_at, manual, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		slot.ID, slot.ScheduledAt, slot.Manual, slot.Status, slot.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create slot: %w", err)
	}

	return slot, nil
}

// UpdateSlot updates a slot's status and associated run.
func (s *SQLiteStore) UpdateSlot(id string, status core.SlotStatus, runID string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	var runPtr *string
	if runID != "" {
		runPtr = &runID
	}

	result, err := s.db.Exec(
		`UPDATE slots SET status = ?, run_id = COALESCE(?, run_id) WHERE id = ?`,
		status, runPtr, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update slot: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("slot not found: %s", id)
	}

	return nil
}

// ListSlots retrieves the most recent slots up to the given limit.
func (s *SQLiteStore) ListSlots(limit int) ([]*core.Slot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, scheduled_at, manual, status, run_id, created_at
		 FROM slots ORDER BY scheduled_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var slots []*core.Slot
	for rows.Next() {
		slot := &core.Slot{}
		var runID sql.NullString
		if err := rows.Scan(&slot.ID, &slot.ScheduledAt, &slot.Manual, &slot.Status, &runID, &slot.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		if runID.Valid {
			slot.RunID = runID.String
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slots: %w", err)
	}

	return slots, nil
}
