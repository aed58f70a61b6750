package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowline-labs/flowline/internal/dag"
	"github.com/flowline-labs/flowline/pkg/core"
)

const sourcesYAML = `sources:
  - name: warehouse
    database: raw
    schema: public
    tables:
      - name: orders
        tests:
          - unique: [o_orderkey]
            not_null: [o_orderkey]
`

func writeProject(t *testing.T, modelFiles map[string]string) (modelsDir, sourcesFile string) {
	t.Helper()
	tmpDir := t.TempDir()

	modelsDir = filepath.Join(tmpDir, "models")
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range modelFiles {
		path := filepath.Join(modelsDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sourcesFile = filepath.Join(tmpDir, "sources.yaml")
	if err := os.WriteFile(sourcesFile, []byte(sourcesYAML), 0644); err != nil {
		t.Fatal(err)
	}
	return modelsDir, sourcesFile
}

func TestLoad(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"stg_orders.sql": `/*---
materialized: view
tests:
  - not_null: [o_orderkey]
---*/
select * from {{ source('warehouse', 'orders') }}`,
		"fct_orders.sql": `/*---
materialized: table
---*/
select * from {{ ref('stg_orders') }}`,
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if len(project.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(project.Models))
	}
	if len(project.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(project.Sources))
	}

	stg := project.Models["stg_orders"]
	if stg == nil {
		t.Fatal("stg_orders not loaded")
	}
	if stg.Schema != "main" {
		t.Errorf("default schema not applied: %q", stg.Schema)
	}
	if len(stg.Sources) != 1 || stg.Sources[0].Table != "orders" {
		t.Errorf("stg_orders sources = %v", stg.Sources)
	}

	fct := project.Models["fct_orders"]
	if len(fct.Refs) != 1 || fct.Refs[0] != "stg_orders" {
		t.Errorf("fct_orders refs = %v", fct.Refs)
	}
}

func TestLoad_MissingSourcesFile(t *testing.T) {
	modelsDir, _ := writeProject(t, map[string]string{
		"standalone.sql": "select 1 as one",
	})

	project, err := Load(modelsDir, filepath.Join(modelsDir, "no-such-sources.yaml"), "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(project.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(project.Sources))
	}
}

func TestLoad_DuplicateModelName(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"staging/stg_orders.sql": "select 1 as one",
		"marts/stg_orders.sql":   "select 2 as two",
	})

	_, err := Load(modelsDir, sourcesFile, "main")
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if !strings.Contains(parseErr.Error(), "duplicate name") {
		t.Errorf("error = %q, want duplicate name mention", parseErr.Error())
	}
}

func TestBuildGraph(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"stg_orders.sql": "select * from {{ source('warehouse', 'orders') }}",
		"fct_orders.sql": "select * from {{ ref('stg_orders') }}",
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	g, err := project.BuildGraph()
	if err != nil {
		t.Fatalf("BuildGraph() failed: %v", err)
	}

	// 2 models + 1 source table
	if g.NodeCount() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.NodeCount())
	}
	if g.EdgeCount() != 2 {
		t.Errorf("expected 2 edges, got %d", g.EdgeCount())
	}

	parents := g.GetParents("fct_orders")
	if len(parents) != 1 || parents[0] != "stg_orders" {
		t.Errorf("fct_orders parents = %v", parents)
	}
	parents = g.GetParents("stg_orders")
	if len(parents) != 1 || parents[0] != "warehouse.orders" {
		t.Errorf("stg_orders parents = %v", parents)
	}
}

func TestBuildGraph_UnresolvedModelRef(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"fct_orders.sql": "select * from {{ ref('stg_orders') }}",
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	_, err = project.BuildGraph()
	if err == nil {
		t.Fatal("expected unresolved reference error")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestBuildGraph_UnresolvedSource(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"stg_orders.sql": "select * from {{ source('warehouse', 'shipments') }}",
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if _, err := project.BuildGraph(); err == nil {
		t.Fatal("expected unresolved source error")
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"a.sql": "select * from {{ ref('b') }}",
		"b.sql": "select * from {{ ref('a') }}",
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	_, err = project.BuildGraph()
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *dag.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *dag.CycleError, got %T", err)
	}
	onCycle := map[string]bool{}
	for _, id := range cycleErr.Path {
		onCycle[id] = true
	}
	if !onCycle["a"] || !onCycle["b"] {
		t.Errorf("cycle path %v should name a and b", cycleErr.Path)
	}
}

func TestProject_NameTable(t *testing.T) {
	modelsDir, sourcesFile := writeProject(t, map[string]string{
		"stg_orders.sql": "select * from {{ source('warehouse', 'orders') }}",
	})

	project, err := Load(modelsDir, sourcesFile, "main")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	nt := project.NameTable()
	if nt.Models["stg_orders"] != "main.stg_orders" {
		t.Errorf("model physical name = %q", nt.Models["stg_orders"])
	}
	ref := core.SourceTableRef{Source: "warehouse", Table: "orders"}
	if nt.Sources[ref] != "raw.public.orders" {
		t.Errorf("source physical name = %q", nt.Sources[ref])
	}
}
