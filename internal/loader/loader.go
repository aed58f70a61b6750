package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowline-labs/flowline/internal/dag"
	"github.com/flowline-labs/flowline/pkg/core"
)

// Project holds all declared sources and models after a successful load.
type Project struct {
	Models  map[string]*core.Model
	Sources map[string]*core.Source

	// DefaultSchema is applied to models without an explicit schema
	DefaultSchema string
}

// Load parses all declarations and returns a validated project.
// It fails with a ParseError on duplicate names; reference resolution
// and cycle detection happen in BuildGraph.
func Load(modelsDir, sourcesFile, defaultSchema string) (*Project, error) {
	sources, err := LoadSources(sourcesFile)
	if err != nil {
		return nil, err
	}

	models, err := scanModels(modelsDir)
	if err != nil {
		return nil, err
	}

	return NewProject(sources, models, defaultSchema)
}

// NewProject assembles a project from parsed declarations, enforcing
// unique naming across sources and models.
func NewProject(sources []*core.Source, models []*core.Model, defaultSchema string) (*Project, error) {
	p := &Project{
		Models:        make(map[string]*core.Model),
		Sources:       make(map[string]*core.Source),
		DefaultSchema: defaultSchema,
	}

	for _, src := range sources {
		if _, exists := p.Sources[src.Name]; exists {
			return nil, &ParseError{Message: fmt.Sprintf("duplicate name: source %q declared more than once", src.Name)}
		}
		p.Sources[src.Name] = src
	}

	for _, m := range models {
		if dup, exists := p.Models[m.Name]; exists {
			return nil, &ParseError{
				File:    m.FilePath,
				Message: fmt.Sprintf("duplicate name: model %q already declared in %s", m.Name, dup.FilePath),
			}
		}
		if m.Schema == "" {
			m.Schema = defaultSchema
		}
		p.Models[m.Name] = m
	}

	return p, nil
}

// ParseModelFile parses a single SQL model file into a core.Model.
func ParseModelFile(filePath string) (*core.Model, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseModelContent(filePath, string(content))
}

// ParseModelContent parses model declaration content.
func ParseModelContent(filePath, content string) (*core.Model, error) {
	result, err := ExtractFrontmatter(content)
	if err != nil {
		// Attach file context to typed errors
		switch e := err.(type) {
		case *ParseError:
			e.File = filePath
		case *UnknownFieldError:
			e.File = filePath
		}
		return nil, err
	}

	cfg := result.Config
	cfg.ApplyDefaults(filepath.Base(filePath))

	if strings.TrimSpace(result.SQL) == "" {
		return nil, &ParseError{File: filePath, Message: "model has no SQL body"}
	}

	return &core.Model{
		Name:                  cfg.Name,
		FilePath:              filePath,
		Materialized:          cfg.Materialized,
		Schema:                cfg.Schema,
		Description:           cfg.Description,
		Owner:                 cfg.Owner,
		Tags:                  cfg.Tags,
		Tests:                 cfg.Tests,
		ContinueOnTestFailure: cfg.ContinueOnTestFailure,
		Refs:                  ExtractRefs(result.SQL),
		Sources:               ExtractSources(result.SQL),
		SQL:                   result.SQL,
		RawContent:            content,
		HasFrontmatter:        result.HasYAML,
	}, nil
}

// scanModels recursively scans a directory for SQL model files.
func scanModels(dir string) ([]*core.Model, error) {
	var models []*core.Model

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".sql") {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}

		m, err := ParseModelFile(path)
		if err != nil {
			return err
		}
		models = append(models, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return models, nil
}

// NameTable builds the logical-to-physical name mapping for this project.
func (p *Project) NameTable() *NameTable {
	nt := &NameTable{
		Models:  make(map[string]string, len(p.Models)),
		Sources: make(map[core.SourceTableRef]string),
	}
	for name, m := range p.Models {
		nt.Models[name] = m.PhysicalName()
	}
	for _, src := range p.Sources {
		for _, tbl := range src.Tables {
			ref := core.SourceTableRef{Source: src.Name, Table: tbl.Name}
			nt.Sources[ref] = src.PhysicalName(tbl.Name)
		}
	}
	return nt
}

// BuildGraph resolves logical references into graph edges.
// Nodes are models plus referenced source tables; edges point from a
// dependency to its dependents. Fails with a ParseError on an
// unresolvable reference and a dag.CycleError on a cycle.
func (p *Project) BuildGraph() (*dag.Graph, error) {
	g := dag.NewGraph()

	declaredSources := make(map[core.SourceTableRef]*core.Source)
	for _, src := range p.Sources {
		for _, tbl := range src.Tables {
			declaredSources[core.SourceTableRef{Source: src.Name, Table: tbl.Name}] = src
		}
	}

	for name, m := range p.Models {
		g.AddNode(name, m)
	}

	for name, m := range p.Models {
		for _, ref := range m.Refs {
			if _, ok := p.Models[ref]; !ok {
				return nil, &ParseError{
					File:    m.FilePath,
					Message: fmt.Sprintf("unresolved reference: model %q references undeclared model %q", name, ref),
				}
			}
			if err := g.AddEdge(ref, name); err != nil {
				return nil, err
			}
		}
		for _, srcRef := range m.Sources {
			src, ok := declaredSources[srcRef]
			if !ok {
				return nil, &ParseError{
					File:    m.FilePath,
					Message: fmt.Sprintf("unresolved reference: model %q references undeclared source %q table %q", name, srcRef.Source, srcRef.Table),
				}
			}
			nodeID := srcRef.NodeID()
			if _, exists := g.GetNode(nodeID); !exists {
				g.AddNode(nodeID, sourceNode(src, srcRef.Table))
			}
			if err := g.AddEdge(nodeID, name); err != nil {
				return nil, err
			}
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

// SourceNode is the graph node payload for one source table.
type SourceNode struct {
	Source *core.Source
	Table  core.SourceTable
}

func sourceNode(src *core.Source, table string) *SourceNode {
	for _, tbl := range src.Tables {
		if tbl.Name == table {
			return &SourceNode{Source: src, Table: tbl}
		}
	}
	return &SourceNode{Source: src, Table: core.SourceTable{Name: table}}
}
