package loader

import (
	"fmt"
	"os"

	"github.com/flowline-labs/flowline/pkg/core"
	"gopkg.in/yaml.v3"
)

// sourcesFileYAML is the top-level structure of a sources declaration file.
type sourcesFileYAML struct {
	Sources []sourceYAML `yaml:"sources"`
}

type sourceYAML struct {
	Name     string            `yaml:"name"`
	Database string            `yaml:"database"`
	Schema   string            `yaml:"schema"`
	Tables   []sourceTableYAML `yaml:"tables"`
}

type sourceTableYAML struct {
	Name  string           `yaml:"name"`
	Tests []testConfigYAML `yaml:"tests"`
}

// LoadSources parses a sources.yaml declaration file.
// A missing file is not an error: sources are optional.
func LoadSources(path string) ([]*core.Source, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	return ParseSources(path, content)
}

// ParseSources parses sources declaration content.
func ParseSources(path string, content []byte) ([]*core.Source, error) {
	var raw sourcesFileYAML
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, &ParseError{File: path, Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	sources := make([]*core.Source, 0, len(raw.Sources))
	for _, s := range raw.Sources {
		if s.Name == "" {
			return nil, &ParseError{File: path, Message: "source missing name"}
		}
		src := &core.Source{
			Name:     s.Name,
			Database: s.Database,
			Schema:   s.Schema,
		}
		for _, tbl := range s.Tables {
			if tbl.Name == "" {
				return nil, &ParseError{File: path, Message: fmt.Sprintf("source %q has a table missing name", s.Name)}
			}
			src.Tables = append(src.Tables, core.SourceTable{
				Name:  tbl.Name,
				Tests: convertTests(tbl.Tests),
			})
		}
		sources = append(sources, src)
	}

	return sources, nil
}
