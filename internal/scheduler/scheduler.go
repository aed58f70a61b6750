// Package scheduler plans and dispatches cadence-based runs.
//
// Each cadence boundary produces a slot. Slots move through a small
// state machine (pending -> running -> success | failed) and never
// overlap: a boundary that arrives while a run is in progress stays
// pending and is dispatched as soon as the current run finishes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowline-labs/flowline/pkg/core"
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Runner executes one whole-graph run. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, trigger string) (*core.Run, error)
}

// Config holds scheduler configuration.
type Config struct {
	// Interval is the cadence in cron syntax (e.g. "0 6 * * *") or a
	// descriptor like "@daily". Defaults to "@daily".
	Interval string
	// Catchup controls whether missed boundaries are all run on startup.
	// When false, only the most recent missed boundary runs.
	Catchup bool
	// StartDate anchors the cadence. Boundaries before it never produce
	// slots. Zero means "now".
	StartDate time.Time
	// PollInterval is how often the loop checks for due boundaries.
	// Defaults to one second.
	PollInterval time.Duration
	// Clock is the time source (optional, defaults to wall clock)
	Clock Clock
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Scheduler owns slot planning and dispatch for one project.
type Scheduler struct {
	runner Runner
	store  core.Store

	schedule  cron.Schedule
	catchup   bool
	startDate time.Time
	poll      time.Duration
	clock     Clock
	logger    *slog.Logger

	mu          sync.Mutex
	running     bool         // a run is in progress
	pending     []*core.Slot // deferred slots, oldest first
	lastPlanned time.Time    // latest boundary a slot was created for
}

// New creates a scheduler. The runner executes runs; the store persists
// slot and run history.
func New(runner Runner, store core.Store, cfg Config) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	interval := cfg.Interval
	if interval == "" {
		interval = "@daily"
	}
	schedule, err := cron.ParseStandard(interval)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q: %w", interval, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Scheduler{
		runner:    runner,
		store:     store,
		schedule:  schedule,
		catchup:   cfg.Catchup,
		startDate: cfg.StartDate,
		poll:      poll,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Start runs the scheduling loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	now := s.clock.Now().UTC()
	s.initPlanning(now)
	s.logger.Info("scheduler started",
		"catchup", s.catchup,
		"next", s.schedule.Next(s.lastPlanned))

	s.tick(ctx, now)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.clock.Now())
		}
	}
}

// initPlanning anchors the cadence at the start date and applies
// catch-up suppression: without catchup, only the most recent missed
// boundary will produce a slot.
func (s *Scheduler) initPlanning(now time.Time) {
	start := s.startDate.UTC()
	if s.startDate.IsZero() {
		start = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPlanned = start
	if s.catchup {
		return
	}

	var missed []time.Time
	for next := s.schedule.Next(start); !next.After(now); next = s.schedule.Next(next) {
		missed = append(missed, next)
	}
	if len(missed) > 1 {
		s.lastPlanned = missed[len(missed)-2]
		s.logger.Info("suppressing missed boundaries",
			"suppressed", len(missed)-1,
			"keeping", missed[len(missed)-1])
	}
}

// tick creates slots for every boundary that became due, then dispatches.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	now = now.UTC()

	s.mu.Lock()
	var due []time.Time
	for next := s.schedule.Next(s.lastPlanned); !next.After(now); next = s.schedule.Next(s.lastPlanned) {
		due = append(due, next)
		s.lastPlanned = next
	}
	s.mu.Unlock()

	for _, at := range due {
		slot, err := s.store.CreateSlot(at, false)
		if err != nil {
			s.logger.Error("failed to create slot", "scheduled_at", at, "error", err)
			continue
		}
		s.logger.Debug("slot created", "slot_id", slot.ID, "scheduled_at", at)

		s.mu.Lock()
		s.pending = append(s.pending, slot)
		s.mu.Unlock()
	}

	s.dispatch(ctx)
}

// TriggerNow creates a manual slot for immediate execution. It still
// honors non-overlap: if a run is in progress the slot is deferred.
func (s *Scheduler) TriggerNow(ctx context.Context) (*core.Slot, error) {
	slot, err := s.store.CreateSlot(s.clock.Now().UTC(), true)
	if err != nil {
		return nil, fmt.Errorf("failed to create manual slot: %w", err)
	}
	s.logger.Info("manual trigger", "slot_id", slot.ID)

	s.mu.Lock()
	s.pending = append(s.pending, slot)
	s.mu.Unlock()

	s.dispatch(ctx)
	return slot, nil
}

// dispatch starts the oldest pending slot unless a run is in progress.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	if s.running || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	slot := s.pending[0]
	s.pending = s.pending[1:]
	s.running = true
	s.mu.Unlock()

	go s.execute(ctx, slot)
}

// execute drives one slot to a terminal state, then re-dispatches in
// case boundaries were deferred during the run.
func (s *Scheduler) execute(ctx context.Context, slot *core.Slot) {
	trigger := core.TriggerScheduled
	if slot.Manual {
		trigger = core.TriggerManual
	}

	if err := s.store.UpdateSlot(slot.ID, core.SlotStatusRunning, ""); err != nil {
		s.logger.Error("failed to mark slot running", "slot_id", slot.ID, "error", err)
	}
	s.logger.Info("slot running", "slot_id", slot.ID, "trigger", trigger, "scheduled_at", slot.ScheduledAt)

	run, runErr := s.runner.Run(ctx, trigger)

	status := core.SlotStatusSuccess
	if runErr != nil {
		status = core.SlotStatusFailed
	}
	runID := ""
	if run != nil {
		runID = run.ID
	}
	if err := s.store.UpdateSlot(slot.ID, status, runID); err != nil {
		s.logger.Error("failed to finalize slot", "slot_id", slot.ID, "error", err)
	}

	if runErr != nil {
		s.logger.Info("slot failed", "slot_id", slot.ID, "run_id", runID, "error", runErr)
	} else {
		s.logger.Info("slot succeeded", "slot_id", slot.ID, "run_id", runID)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.dispatch(ctx)
}

// RunDetail is a run together with its per-node outcomes.
type RunDetail struct {
	Run   *core.Run
	Nodes []*core.NodeRun
}

// GetRunStatus returns one run with its node-level results.
func (s *Scheduler) GetRunStatus(runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.GetNodeRunsForRun(runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Nodes: nodes}, nil
}

// ListRuns returns the most recent runs.
func (s *Scheduler) ListRuns(limit int) ([]*core.Run, error) {
	return s.store.ListRuns(limit)
}

// ListSlots returns the most recent slots.
func (s *Scheduler) ListSlots(limit int) ([]*core.Slot, error) {
	return s.store.ListSlots(limit)
}
