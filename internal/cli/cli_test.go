package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// scaffoldProject writes a minimal project and returns its config path.
func scaffoldProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	modelsDir := filepath.Join(dir, "models")
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		t.Fatal(err)
	}
	models := map[string]string{
		"stg_orders.sql": `/*---
materialized: view
---*/
select * from {{ source('raw', 'orders') }}`,
		"fct_orders.sql": `/*---
materialized: table
---*/
select * from {{ ref('stg_orders') }}`,
	}
	for name, content := range models {
		if err := os.WriteFile(filepath.Join(modelsDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sourcesFile := filepath.Join(dir, "sources.yaml")
	sources := "sources:\n  - name: raw\n    schema: raw\n    tables:\n      - name: orders\n"
	if err := os.WriteFile(sourcesFile, []byte(sources), 0644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "flowline.yaml")
	cfg := fmt.Sprintf(`models_dir: %s
sources_file: %s
state_path: %s
target:
  type: duckdb
  schema: main
`, modelsDir, sourcesFile, filepath.Join(dir, "state.db"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "flowline "+Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "flowline.yaml") {
		t.Errorf("init output = %q", out)
	}

	for _, rel := range []string{"flowline.yaml", "sources.yaml", "models/stg_orders.sql", "models/fct_orders.sql"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("expected %s to exist: %v", rel, err)
		}
	}

	// Refuses to clobber an existing project
	if _, err := execute(t, "init", dir); err == nil {
		t.Error("expected error when project already exists")
	}
}

func TestDAGCommand(t *testing.T) {
	cfgPath := scaffoldProject(t)

	out, err := execute(t, "dag", "--config", cfgPath)
	if err != nil {
		t.Fatalf("dag failed: %v", err)
	}
	for _, want := range []string{"raw.orders", "stg_orders", "fct_orders", "Level 0", "3 nodes"} {
		if !strings.Contains(out, want) {
			t.Errorf("dag output missing %q:\n%s", want, out)
		}
	}
}

func TestDAGCommand_JSON(t *testing.T) {
	cfgPath := scaffoldProject(t)

	out, err := execute(t, "dag", "--config", cfgPath, "--json")
	if err != nil {
		t.Fatalf("dag --json failed: %v", err)
	}
	if !strings.Contains(out, `"depends_on"`) || !strings.Contains(out, `"stg_orders"`) {
		t.Errorf("dag json output = %q", out)
	}
}

func TestListCommand(t *testing.T) {
	cfgPath := scaffoldProject(t)

	out, err := execute(t, "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, want := range []string{"stg_orders", "fct_orders", "view", "table", "raw.orders"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestRootCommand_InvalidTarget(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "flowline.yaml")
	cfg := "models_dir: models\ntarget:\n  type: snowflake\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "list", "--config", cfgPath); err == nil {
		t.Fatal("expected unknown adapter error")
	}
}

func TestSplitSelect(t *testing.T) {
	got := splitSelect(" stg_orders, fct_orders ,,")
	if len(got) != 2 || got[0] != "stg_orders" || got[1] != "fct_orders" {
		t.Errorf("splitSelect() = %v", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abcdefghij", 8); got != "abcde..." {
		t.Errorf("truncate() = %q", got)
	}
}
