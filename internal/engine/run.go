package engine

// run.go - Execution orchestration for running the dependency graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowline-labs/flowline/internal/dag"
	"github.com/flowline-labs/flowline/internal/loader"
	"github.com/flowline-labs/flowline/pkg/core"
	"golang.org/x/sync/semaphore"
)

// MaterializationError reports a failed SQL submission for one model.
type MaterializationError struct {
	Node string
	Err  error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialization of %s failed: %v", e.Node, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// execNode tracks one node's progress through a run.
type execNode struct {
	id        string
	model     *core.Model        // nil for source nodes
	source    *loader.SourceNode // nil for model nodes
	sql       string             // resolved SQL for model nodes
	nodeRunID string

	// done is closed once status holds a terminal value
	done     chan struct{}
	status   core.NodeRunStatus
	blocking bool // terminal status blocks downstream nodes
}

// Run executes all loaded models in dependency order.
// Independent nodes may run concurrently across the bounded worker
// pool; a node never starts before all its dependencies reach a
// terminal status.
func (e *Engine) Run(ctx context.Context, trigger string) (*core.Run, error) {
	e.mu.RLock()
	graph, names := e.graph, e.names
	e.mu.RUnlock()

	if graph == nil {
		return nil, fmt.Errorf("project not loaded")
	}
	return e.runGraph(ctx, trigger, graph, names)
}

// RunSelected executes only the specified models, optionally including
// their downstream dependents. Upstream dependencies must already exist
// in the warehouse.
func (e *Engine) RunSelected(ctx context.Context, trigger string, modelNames []string, includeDownstream bool) (*core.Run, error) {
	e.mu.RLock()
	graph, names := e.graph, e.names
	e.mu.RUnlock()

	if graph == nil {
		return nil, fmt.Errorf("project not loaded")
	}

	for _, name := range modelNames {
		if _, ok := graph.GetNode(name); !ok {
			return nil, fmt.Errorf("model not found: %s", name)
		}
	}

	selected := modelNames
	if includeDownstream {
		selected = graph.GetAffectedNodes(modelNames)
	}

	return e.runGraph(ctx, trigger, graph.Subgraph(selected), names)
}

// runGraph creates a run record and drives the graph to completion.
func (e *Engine) runGraph(ctx context.Context, trigger string, graph *dag.Graph, names *loader.NameTable) (*core.Run, error) {
	e.logger.Info("starting run", "trigger", trigger, "nodes", graph.NodeCount())

	if err := e.ensureDBConnected(ctx); err != nil {
		return nil, err
	}

	run, err := e.store.CreateRun(trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	e.logger.Debug("created run", "run_id", run.ID)

	sorted, err := graph.TopologicalSort()
	if err != nil {
		_ = e.store.CompleteRun(run.ID, core.RunStatusFailed, fmt.Sprintf("dependency sort failed: %v", err))
		return run, err
	}

	// Phase 1: resolve all model templates and record pending node runs
	nodes, renderErrors := e.prepareNodes(run.ID, sorted, names)
	if len(renderErrors) > 0 {
		for _, n := range nodes {
			_ = e.store.UpdateNodeRun(n.nodeRunID, core.NodeRunStatusSkipped, 0,
				"run aborted: other models failed to resolve", 0)
		}

		errMsg := fmt.Sprintf("%d model(s) failed to resolve", len(renderErrors))
		_ = e.store.CompleteRun(run.ID, core.RunStatusFailed, errMsg)

		e.logger.Error("run failed during resolution", "run_id", run.ID, "errors", len(renderErrors))
		run, _ = e.store.GetRun(run.ID)
		return run, errors.Join(renderErrors...)
	}

	// Phase 2: execute all nodes
	e.executeNodes(ctx, graph, nodes)

	// Aggregate per-node outcomes into the run record
	status, errMsg := summarize(ctx, nodes)
	_ = e.store.CompleteRun(run.ID, status, errMsg)

	if status == core.RunStatusSuccess {
		e.logger.Info("run completed", "run_id", run.ID)
	} else {
		e.logger.Info("run finished with failures", "run_id", run.ID, "status", status, "detail", errMsg)
	}

	run, _ = e.store.GetRun(run.ID)
	if errMsg != "" {
		return run, errors.New(errMsg)
	}
	return run, nil
}

// prepareNodes resolves model templates and records pending node runs.
// Returns prepared nodes and any resolution errors encountered.
func (e *Engine) prepareNodes(runID string, sorted []*dag.Node, names *loader.NameTable) ([]*execNode, []error) {
	var nodes []*execNode
	var renderErrors []error

	for _, node := range sorted {
		n := &execNode{
			id:   node.ID,
			done: make(chan struct{}),
		}

		nodeRun := &core.NodeRun{RunID: runID, Node: node.ID}

		switch data := node.Data.(type) {
		case *core.Model:
			n.model = data
			nodeRun.Kind = core.NodeKindModel

			sql, err := loader.Resolve(data.SQL, names)
			if err != nil {
				renderErrors = append(renderErrors, fmt.Errorf("%s: %w", node.ID, err))
				continue
			}
			n.sql = sql
		case *loader.SourceNode:
			n.source = data
			nodeRun.Kind = core.NodeKindSource
		default:
			renderErrors = append(renderErrors, fmt.Errorf("%s: unknown node payload %T", node.ID, node.Data))
			continue
		}

		if err := e.store.RecordNodeRun(nodeRun); err != nil {
			renderErrors = append(renderErrors, fmt.Errorf("%s: failed to record node run: %w", node.ID, err))
			continue
		}
		n.nodeRunID = nodeRun.ID

		nodes = append(nodes, n)
	}

	return nodes, renderErrors
}

// executeNodes drives all prepared nodes to a terminal status.
// Each node waits for its direct dependencies, then acquires a worker
// slot for the duration of its warehouse submission.
func (e *Engine) executeNodes(ctx context.Context, graph *dag.Graph, nodes []*execNode) {
	byID := make(map[string]*execNode, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}

	sem := semaphore.NewWeighted(int64(e.maxWorkers))
	var wg sync.WaitGroup

	for _, n := range nodes {
		wg.Add(1)
		go func(n *execNode) {
			defer wg.Done()
			defer close(n.done)

			// A node never starts before all its dependencies reach a
			// terminal status.
			for _, parentID := range graph.GetParents(n.id) {
				parent, ok := byID[parentID]
				if !ok {
					continue
				}
				select {
				case <-parent.done:
				case <-ctx.Done():
					e.finishNode(n, core.NodeRunStatusCancelled, 0, "run cancelled", 0)
					return
				}
			}

			for _, parentID := range graph.GetParents(n.id) {
				parent, ok := byID[parentID]
				if !ok {
					continue
				}
				if parent.blocking {
					e.finishNode(n, core.NodeRunStatusSkipped, 0,
						fmt.Sprintf("skipped: upstream %s is %s", parent.id, parent.status), 0)
					return
				}
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				e.finishNode(n, core.NodeRunStatusCancelled, 0, "run cancelled", 0)
				return
			}
			defer sem.Release(1)

			e.executeNode(ctx, n)
		}(n)
	}

	wg.Wait()
}

// executeNode materializes a model (or checks a source) and applies its
// data-quality tests.
func (e *Engine) executeNode(ctx context.Context, n *execNode) {
	_ = e.store.UpdateNodeRun(n.nodeRunID, core.NodeRunStatusRunning, 0, "", 0)

	start := time.Now()

	if n.model != nil {
		rowsAffected, err := e.materialize(ctx, n.model, n.sql)
		executionMS := time.Since(start).Milliseconds()

		if err != nil {
			if ctx.Err() != nil {
				e.finishNode(n, core.NodeRunStatusCancelled, 0, "run cancelled", executionMS)
				return
			}
			e.logger.Debug("model materialization failed", "model", n.id, "error", err)
			e.finishNode(n, core.NodeRunStatusFailed, 0, err.Error(), executionMS)
			return
		}

		if failure := e.runTests(ctx, n.model.PhysicalName(), n.model.Tests); failure != nil {
			executionMS = time.Since(start).Milliseconds()
			if ctx.Err() != nil {
				e.finishNode(n, core.NodeRunStatusCancelled, rowsAffected, "run cancelled", executionMS)
				return
			}
			e.logger.Debug("model quality checks failed", "model", n.id, "error", failure)
			e.finishNode(n, core.NodeRunStatusFailedTest, rowsAffected, failure.Error(), executionMS)
			return
		}

		executionMS = time.Since(start).Milliseconds()
		e.logger.Debug("model executed", "model", n.id, "rows", rowsAffected, "exec_ms", executionMS)
		e.finishNode(n, core.NodeRunStatusSuccess, rowsAffected, "", executionMS)
		return
	}

	// Source node: quality checks only, nothing is materialized
	physical := n.source.Source.PhysicalName(n.source.Table.Name)
	failure := e.runTests(ctx, physical, n.source.Table.Tests)
	executionMS := time.Since(start).Milliseconds()

	if failure != nil {
		if ctx.Err() != nil {
			e.finishNode(n, core.NodeRunStatusCancelled, 0, "run cancelled", executionMS)
			return
		}
		e.logger.Debug("source quality checks failed", "source", n.id, "error", failure)
		e.finishNode(n, core.NodeRunStatusFailedTest, 0, failure.Error(), executionMS)
		return
	}

	e.logger.Debug("source checks passed", "source", n.id, "exec_ms", executionMS)
	e.finishNode(n, core.NodeRunStatusSuccess, 0, "", executionMS)
}

// finishNode records a node's terminal status and downstream policy.
func (e *Engine) finishNode(n *execNode, status core.NodeRunStatus, rowsAffected int64, errMsg string, executionMS int64) {
	n.status = status

	switch status {
	case core.NodeRunStatusSuccess:
		n.blocking = false
	case core.NodeRunStatusFailedTest:
		// Quality gate failed but materialization succeeded; the
		// per-model override lets dependents run anyway.
		n.blocking = n.model == nil || !n.model.ContinueOnTestFailure
	default:
		n.blocking = true
	}

	_ = e.store.UpdateNodeRun(n.nodeRunID, status, rowsAffected, errMsg, executionMS)
}

// summarize folds per-node outcomes into the run status and error detail.
func summarize(ctx context.Context, nodes []*execNode) (core.RunStatus, string) {
	var failed, failedTests, skipped, cancelled int
	for _, n := range nodes {
		switch n.status {
		case core.NodeRunStatusFailed:
			failed++
		case core.NodeRunStatusFailedTest:
			failedTests++
		case core.NodeRunStatusSkipped:
			skipped++
		case core.NodeRunStatusCancelled:
			cancelled++
		}
	}

	if ctx.Err() != nil && cancelled > 0 {
		return core.RunStatusCancelled, fmt.Sprintf("run cancelled: %d node(s) did not finish", cancelled)
	}
	if failed+failedTests+skipped+cancelled == 0 {
		return core.RunStatusSuccess, ""
	}

	msg := fmt.Sprintf("%d node(s) failed, %d failed tests, %d skipped", failed, failedTests, skipped)
	return core.RunStatusFailed, msg
}
