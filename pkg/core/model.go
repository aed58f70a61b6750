package core

// Materialization kinds supported by the executor.
const (
	MaterializedView  = "view"
	MaterializedTable = "table"
)

// Model represents a SQL model (transformation unit).
// Models are created at load time from declaration files and are
// immutable during a run.
type Model struct {
	// Name is the unique model name (filename without extension by default)
	Name string
	// FilePath is the absolute path to the SQL file
	FilePath string
	// Materialized defines how the model is stored: table or view
	Materialized string
	// Schema is the warehouse schema the model materializes into
	Schema string
	// Description is a human-readable description of the model
	Description string
	// Owner is the team/person responsible for this model
	Owner string
	// Tags are metadata labels for filtering/organizing models
	Tags []string
	// Tests contains data-quality test configurations
	Tests []TestConfig
	// ContinueOnTestFailure lets downstream models run even when this
	// model's quality checks fail
	ContinueOnTestFailure bool
	// Refs are logical model names referenced via {{ ref('...') }}
	Refs []string
	// Sources are (source, table) pairs referenced via {{ source('...', '...') }}
	Sources []SourceTableRef
	// SQL is the raw SQL template (excluding frontmatter)
	SQL string
	// RawContent is the full file content including frontmatter
	RawContent string
	// HasFrontmatter indicates if YAML frontmatter was found
	HasFrontmatter bool
}

// PhysicalName returns the qualified relation name this model materializes as.
func (m *Model) PhysicalName() string {
	if m.Schema != "" {
		return m.Schema + "." + m.Name
	}
	return m.Name
}

// SourceTableRef identifies one table within a declared source.
type SourceTableRef struct {
	Source string
	Table  string
}

// NodeID returns the graph node identifier for a source table.
func (r SourceTableRef) NodeID() string {
	return r.Source + "." + r.Table
}

// Source represents an externally owned group of tables referenced but
// never created by the system.
type Source struct {
	// Name is the unique source name
	Name string
	// Database is the physical database the tables live in
	Database string
	// Schema is the physical schema the tables live in
	Schema string
	// Tables are the tables exposed by this source
	Tables []SourceTable
}

// SourceTable is one table within a source declaration.
type SourceTable struct {
	Name  string
	Tests []TestConfig
}

// PhysicalName returns the fully qualified name for a table in this source.
func (s *Source) PhysicalName(table string) string {
	name := table
	if s.Schema != "" {
		name = s.Schema + "." + name
	}
	if s.Database != "" {
		name = s.Database + "." + name
	}
	return name
}

// TestConfig represents data-quality test configuration attached to a
// model or source table. Each entry may declare several test kinds.
type TestConfig struct {
	// Unique lists columns whose values must be unique
	Unique []string
	// NotNull lists columns that must not contain NULLs
	NotNull []string
	// AcceptedValues constrains a column to an allowed value set
	AcceptedValues *AcceptedValuesConfig
	// Query is a custom predicate: any returned row is a failure
	Query string
}

// AcceptedValuesConfig represents accepted values test configuration.
type AcceptedValuesConfig struct {
	Column string
	Values []string
}
