// Package loader parses model and source declarations and assembles the
// dependency graph consumed by the executor.
package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowline-labs/flowline/pkg/core"
	"gopkg.in/yaml.v3"
)

// FrontmatterConfig represents parsed YAML frontmatter.
// Unknown fields cause parse errors (use Meta for extensions).
type FrontmatterConfig struct {
	Name                  string
	Description           string
	Materialized          string // table, view
	Owner                 string
	Schema                string
	Tags                  []string
	Tests                 []core.TestConfig
	ContinueOnTestFailure bool
	Meta                  map[string]any
}

// FrontmatterResult holds the result of frontmatter extraction.
type FrontmatterResult struct {
	Config  *FrontmatterConfig
	SQL     string // SQL content after frontmatter
	HasYAML bool   // Whether frontmatter was found
}

// frontmatterPattern matches /*--- ... ---*/ blocks at the top of a file.
var frontmatterPattern = regexp.MustCompile(`(?s)^\s*/\*---\s*\n(.*?)\s*---\*/`)

// ExtractFrontmatter extracts YAML frontmatter from SQL content.
// Returns the parsed config, remaining SQL, and any error.
func ExtractFrontmatter(content string) (*FrontmatterResult, error) {
	result := &FrontmatterResult{
		Config:  &FrontmatterConfig{},
		SQL:     content,
		HasYAML: false,
	}

	matches := frontmatterPattern.FindStringSubmatch(content)
	if len(matches) < 2 {
		// No frontmatter found, return content as-is
		return result, nil
	}

	result.HasYAML = true
	yamlContent := matches[1]

	// Remove the frontmatter block from SQL
	result.SQL = strings.TrimSpace(frontmatterPattern.ReplaceAllString(content, ""))

	config, err := parseFrontmatterYAML(yamlContent)
	if err != nil {
		return nil, err
	}

	result.Config = config
	return result, nil
}

// testConfigYAML is an internal type for YAML unmarshaling with correct tags.
type testConfigYAML struct {
	Unique         []string                  `yaml:"unique,omitempty"`
	NotNull        []string                  `yaml:"not_null,omitempty"`
	AcceptedValues *acceptedValuesConfigYAML `yaml:"accepted_values,omitempty"`
	Query          string                    `yaml:"query,omitempty"`
}

// acceptedValuesConfigYAML is an internal type for YAML unmarshaling.
type acceptedValuesConfigYAML struct {
	Column string   `yaml:"column"`
	Values []string `yaml:"values"`
}

// frontmatterConfigYAML is an internal type for YAML unmarshaling.
type frontmatterConfigYAML struct {
	Name                  string           `yaml:"name"`
	Description           string           `yaml:"description"`
	Materialized          string           `yaml:"materialized"`
	Owner                 string           `yaml:"owner"`
	Schema                string           `yaml:"schema"`
	Tags                  []string         `yaml:"tags"`
	Tests                 []testConfigYAML `yaml:"tests"`
	ContinueOnTestFailure bool             `yaml:"continue_on_test_failure"`
	Meta                  map[string]any   `yaml:"meta"`
}

var knownFrontmatterFields = map[string]bool{
	"name":                     true,
	"description":              true,
	"materialized":             true,
	"owner":                    true,
	"schema":                   true,
	"tags":                     true,
	"tests":                    true,
	"continue_on_test_failure": true,
	"meta":                     true,
}

// parseFrontmatterYAML parses YAML content with strict field validation.
func parseFrontmatterYAML(yamlContent string) (*FrontmatterConfig, error) {
	// First, decode into a map to check for unknown fields
	var rawMap map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &rawMap); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}

	for field := range rawMap {
		if !knownFrontmatterFields[field] {
			return nil, &UnknownFieldError{Field: field}
		}
	}

	var raw frontmatterConfigYAML
	if err := yaml.Unmarshal([]byte(yamlContent), &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("failed to parse frontmatter: %v", err)}
	}

	// Validate materialized value if present
	if raw.Materialized != "" &&
		raw.Materialized != core.MaterializedTable &&
		raw.Materialized != core.MaterializedView {
		return nil, &ParseError{
			Message: fmt.Sprintf("invalid materialized value: %q, must be one of: table, view", raw.Materialized),
		}
	}

	config := &FrontmatterConfig{
		Name:                  raw.Name,
		Description:           raw.Description,
		Materialized:          raw.Materialized,
		Owner:                 raw.Owner,
		Schema:                raw.Schema,
		Tags:                  raw.Tags,
		ContinueOnTestFailure: raw.ContinueOnTestFailure,
		Meta:                  raw.Meta,
		Tests:                 convertTests(raw.Tests),
	}

	return config, nil
}

func convertTests(raw []testConfigYAML) []core.TestConfig {
	if len(raw) == 0 {
		return nil
	}
	tests := make([]core.TestConfig, len(raw))
	for i, t := range raw {
		tests[i] = core.TestConfig{
			Unique:  t.Unique,
			NotNull: t.NotNull,
			Query:   t.Query,
		}
		if t.AcceptedValues != nil {
			tests[i].AcceptedValues = &core.AcceptedValuesConfig{
				Column: t.AcceptedValues.Column,
				Values: t.AcceptedValues.Values,
			}
		}
	}
	return tests
}

// ApplyDefaults applies default values to a FrontmatterConfig based on
// file context.
func (c *FrontmatterConfig) ApplyDefaults(filename string) {
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filename, ".sql")
	}
	if c.Materialized == "" {
		c.Materialized = core.MaterializedView
	}
}
