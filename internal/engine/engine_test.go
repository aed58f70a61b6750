package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/flowline-labs/flowline/internal/adapter"
	"github.com/flowline-labs/flowline/internal/testutil"
	"github.com/flowline-labs/flowline/pkg/core"
)

// fakeWarehouse records submitted statements and answers check queries
// from a scripted table. Statement failures and check counts are keyed
// by substring match.
type fakeWarehouse struct {
	mu       sync.Mutex
	execs    []string
	execErrs map[string]error // statement substring -> error
	counts   map[string]int64 // check query substring -> count result
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		execErrs: map[string]error{},
		counts:   map[string]int64{},
	}
}

func (f *fakeWarehouse) Connect(ctx context.Context, cfg adapter.Config) error { return nil }
func (f *fakeWarehouse) Close() error                                          { return nil }
func (f *fakeWarehouse) DialectName() string                                   { return "fake" }

func (f *fakeWarehouse) Exec(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.execs = append(f.execs, stmt)
	f.mu.Unlock()
	for sub, err := range f.execErrs {
		if strings.Contains(stmt, sub) {
			return err
		}
	}
	return nil
}

func (f *fakeWarehouse) Query(ctx context.Context, query string) (*adapter.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var n int64
	f.mu.Lock()
	for sub, c := range f.counts {
		if strings.Contains(query, sub) {
			n = c
			break
		}
	}
	f.mu.Unlock()
	return countResult(n)
}

// countResult builds a one-row, one-column result set.
func countResult(n int64) (*adapter.Rows, error) {
	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	mock.ExpectQuery(".*").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
	rows, err := db.QueryContext(context.Background(), "SELECT COUNT(*) FROM t")
	if err != nil {
		return nil, err
	}
	return &adapter.Rows{Rows: rows}, nil
}

func (f *fakeWarehouse) execIndex(substring string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, stmt := range f.execs {
		if strings.Contains(stmt, substring) {
			return i
		}
	}
	return -1
}

const testSourcesYAML = `sources:
  - name: warehouse
    database: raw
    schema: public
    tables:
      - name: orders
        tests:
          - not_null: [o_orderkey]
`

func writeTestProject(t *testing.T, modelFiles map[string]string) (modelsDir, sourcesFile string) {
	t.Helper()
	tmpDir := t.TempDir()

	modelsDir = filepath.Join(tmpDir, "models")
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range modelFiles {
		if err := os.WriteFile(filepath.Join(modelsDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sourcesFile = filepath.Join(tmpDir, "sources.yaml")
	if err := os.WriteFile(sourcesFile, []byte(testSourcesYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return modelsDir, sourcesFile
}

func newTestEngine(t *testing.T, modelFiles map[string]string, wh *fakeWarehouse, maxWorkers int) *Engine {
	t.Helper()
	modelsDir, sourcesFile := writeTestProject(t, modelFiles)

	eng, err := New(Config{
		ModelsDir:           modelsDir,
		SourcesFile:         sourcesFile,
		StatePath:           filepath.Join(t.TempDir(), "state.db"),
		AdapterConfig:       adapter.Config{Type: "duckdb", Schema: "main"},
		MaxConcurrentModels: maxWorkers,
		Logger:              testutil.NewTestLogger(t),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	// Scripted warehouse instead of a live connection
	eng.db = wh
	eng.dbConnected = true

	if err := eng.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	return eng
}

// twoModelProject is the canonical chain: source -> staging view -> table.
func twoModelProject() map[string]string {
	return map[string]string{
		"stg_orders.sql": `/*---
materialized: view
tests:
  - unique: [order_id]
---*/
select o_orderkey as order_id from {{ source('warehouse', 'orders') }}`,
		"fct_orders.sql": `/*---
materialized: table
---*/
select order_id, count(*) as n from {{ ref('stg_orders') }} group by order_id`,
	}
}

func nodeRunsByNode(t *testing.T, eng *Engine, runID string) map[string]*core.NodeRun {
	t.Helper()
	nodeRuns, err := eng.Store().GetNodeRunsForRun(runID)
	if err != nil {
		t.Fatalf("GetNodeRunsForRun() failed: %v", err)
	}
	byNode := make(map[string]*core.NodeRun, len(nodeRuns))
	for _, nr := range nodeRuns {
		byNode[nr.Node] = nr
	}
	return byNode
}

func TestRun_Success(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 4)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if run.Status != core.RunStatusSuccess {
		t.Errorf("run status = %s, want success", run.Status)
	}
	if run.CompletedAt == nil {
		t.Error("run should have a completion timestamp")
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	if len(byNode) != 3 {
		t.Fatalf("expected 3 node runs, got %d", len(byNode))
	}
	for node, nr := range byNode {
		if nr.Status != core.NodeRunStatusSuccess {
			t.Errorf("%s status = %s, want success", node, nr.Status)
		}
	}
	if byNode["warehouse.orders"].Kind != core.NodeKindSource {
		t.Errorf("warehouse.orders kind = %s, want source", byNode["warehouse.orders"].Kind)
	}

	// Dependencies must materialize before their dependents
	stgIdx := wh.execIndex("CREATE VIEW main.stg_orders")
	fctIdx := wh.execIndex("CREATE TABLE main.fct_orders")
	if stgIdx < 0 || fctIdx < 0 {
		t.Fatalf("missing materialization statements: %v", wh.execs)
	}
	if stgIdx > fctIdx {
		t.Errorf("stg_orders materialized after fct_orders (%d > %d)", stgIdx, fctIdx)
	}

	// Logical references must be resolved to physical names
	if idx := wh.execIndex("raw.public.orders"); idx < 0 {
		t.Error("source reference not resolved to physical name")
	}
	if idx := wh.execIndex("{{"); idx >= 0 {
		t.Errorf("unresolved placeholder submitted to warehouse: %s", wh.execs[idx])
	}
}

func TestRun_UpstreamFailureSkipsDownstream(t *testing.T) {
	wh := newFakeWarehouse()
	wh.execErrs["CREATE VIEW main.stg_orders"] = errors.New("syntax error near FROM")
	eng := newTestEngine(t, twoModelProject(), wh, 4)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	if got := byNode["warehouse.orders"].Status; got != core.NodeRunStatusSuccess {
		t.Errorf("warehouse.orders status = %s, want success", got)
	}
	if got := byNode["stg_orders"].Status; got != core.NodeRunStatusFailed {
		t.Errorf("stg_orders status = %s, want failed", got)
	}
	if got := byNode["fct_orders"].Status; got != core.NodeRunStatusSkipped {
		t.Errorf("fct_orders status = %s, want skipped", got)
	}
	if msg := byNode["fct_orders"].Error; !strings.Contains(msg, "stg_orders") {
		t.Errorf("skip reason %q should name the failed upstream", msg)
	}

	// Nothing downstream of the failure reaches the warehouse
	if idx := wh.execIndex("fct_orders"); idx >= 0 {
		t.Errorf("skipped model was submitted: %s", wh.execs[idx])
	}
}

func TestRun_TestFailureBlocksDownstream(t *testing.T) {
	wh := newFakeWarehouse()
	wh.counts["GROUP BY order_id HAVING"] = 2
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	if got := byNode["stg_orders"].Status; got != core.NodeRunStatusFailedTest {
		t.Errorf("stg_orders status = %s, want failed_test", got)
	}
	if msg := byNode["stg_orders"].Error; !strings.Contains(msg, "unique(order_id)") {
		t.Errorf("test failure %q should name the check", msg)
	}
	if got := byNode["fct_orders"].Status; got != core.NodeRunStatusSkipped {
		t.Errorf("fct_orders status = %s, want skipped", got)
	}

	// The view itself was still created; only the quality gate failed
	if wh.execIndex("CREATE VIEW main.stg_orders") < 0 {
		t.Error("materialization should happen before quality checks")
	}
}

func TestRun_ContinueOnTestFailure(t *testing.T) {
	models := twoModelProject()
	models["stg_orders.sql"] = `/*---
materialized: view
continue_on_test_failure: true
tests:
  - unique: [order_id]
---*/
select o_orderkey as order_id from {{ source('warehouse', 'orders') }}`

	wh := newFakeWarehouse()
	wh.counts["GROUP BY order_id HAVING"] = 2
	eng := newTestEngine(t, models, wh, 2)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error: a test still failed")
	}
	if run.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	if got := byNode["stg_orders"].Status; got != core.NodeRunStatusFailedTest {
		t.Errorf("stg_orders status = %s, want failed_test", got)
	}
	if got := byNode["fct_orders"].Status; got != core.NodeRunStatusSuccess {
		t.Errorf("fct_orders status = %s, want success despite upstream test failure", got)
	}
	if wh.execIndex("CREATE TABLE main.fct_orders") < 0 {
		t.Error("downstream model should still materialize")
	}
}

func TestRun_SourceCheckFailure(t *testing.T) {
	wh := newFakeWarehouse()
	wh.counts["FROM raw.public.orders WHERE o_orderkey IS NULL"] = 3
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != core.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	if got := byNode["warehouse.orders"].Status; got != core.NodeRunStatusFailedTest {
		t.Errorf("warehouse.orders status = %s, want failed_test", got)
	}
	if got := byNode["stg_orders"].Status; got != core.NodeRunStatusSkipped {
		t.Errorf("stg_orders status = %s, want skipped", got)
	}
	if got := byNode["fct_orders"].Status; got != core.NodeRunStatusSkipped {
		t.Errorf("fct_orders status = %s, want skipped", got)
	}
}

func TestRun_Cancellation(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := eng.Run(ctx, core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error")
	}
	if run.Status != core.RunStatusCancelled {
		t.Errorf("run status = %s, want cancelled", run.Status)
	}

	byNode := nodeRunsByNode(t, eng, run.ID)
	for node, nr := range byNode {
		if nr.Status != core.NodeRunStatusCancelled {
			t.Errorf("%s status = %s, want cancelled", node, nr.Status)
		}
	}
	if wh.execIndex("CREATE") >= 0 {
		t.Error("no statement should reach the warehouse after cancellation")
	}
}

func TestRun_Idempotent(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 1)

	for i := 0; i < 2; i++ {
		run, err := eng.Run(context.Background(), core.TriggerScheduled)
		if err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
		if run.Status != core.RunStatusSuccess {
			t.Fatalf("run %d status = %s, want success", i+1, run.Status)
		}
	}

	// Re-runs replace rather than fail on existing relations
	if wh.execIndex("DROP VIEW IF EXISTS main.stg_orders") < 0 {
		t.Error("views should be replaced on re-run")
	}
	if wh.execIndex("DROP TABLE IF EXISTS main.fct_orders") < 0 {
		t.Error("tables should be replaced on re-run")
	}

	runs, err := eng.Store().ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 recorded runs, got %d", len(runs))
	}
}

func TestRunSelected(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	run, err := eng.RunSelected(context.Background(), core.TriggerManual, []string{"stg_orders"}, false)
	if err != nil {
		t.Fatalf("RunSelected() failed: %v", err)
	}
	byNode := nodeRunsByNode(t, eng, run.ID)
	if len(byNode) != 1 {
		t.Fatalf("expected 1 node run, got %d", len(byNode))
	}
	if _, ok := byNode["stg_orders"]; !ok {
		t.Error("stg_orders should be the only executed node")
	}
}

func TestRunSelected_Downstream(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	run, err := eng.RunSelected(context.Background(), core.TriggerManual, []string{"stg_orders"}, true)
	if err != nil {
		t.Fatalf("RunSelected() failed: %v", err)
	}
	byNode := nodeRunsByNode(t, eng, run.ID)
	if len(byNode) != 2 {
		t.Fatalf("expected 2 node runs, got %d", len(byNode))
	}
	if _, ok := byNode["fct_orders"]; !ok {
		t.Error("downstream fct_orders should be included")
	}
}

func TestRunSelected_UnknownModel(t *testing.T) {
	wh := newFakeWarehouse()
	eng := newTestEngine(t, twoModelProject(), wh, 2)

	if _, err := eng.RunSelected(context.Background(), core.TriggerManual, []string{"no_such_model"}, false); err == nil {
		t.Fatal("expected unknown model error")
	}
}

func TestRun_IndependentBranchesContinue(t *testing.T) {
	models := map[string]string{
		"broken.sql": "select * from {{ source('warehouse', 'orders') }}",
		"healthy.sql": `/*---
materialized: table
---*/
select 1 as one`,
	}
	wh := newFakeWarehouse()
	wh.execErrs["CREATE VIEW main.broken"] = errors.New("relation does not exist")
	eng := newTestEngine(t, models, wh, 2)

	run, err := eng.Run(context.Background(), core.TriggerManual)
	if err == nil {
		t.Fatal("expected run error")
	}
	byNode := nodeRunsByNode(t, eng, run.ID)
	if got := byNode["broken"].Status; got != core.NodeRunStatusFailed {
		t.Errorf("broken status = %s, want failed", got)
	}
	if got := byNode["healthy"].Status; got != core.NodeRunStatusSuccess {
		t.Errorf("healthy status = %s, want success: independent branches keep running", got)
	}
}
