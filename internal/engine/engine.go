// Package engine provides the SQL model execution engine.
// It handles dependency resolution, topological execution with a bounded
// worker pool, and post-materialization data-quality checks.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowline-labs/flowline/internal/adapter"
	"github.com/flowline-labs/flowline/internal/dag"
	"github.com/flowline-labs/flowline/internal/loader"
	"github.com/flowline-labs/flowline/internal/state"
	"github.com/flowline-labs/flowline/pkg/core"
)

// Engine orchestrates the execution of SQL models.
type Engine struct {
	// Warehouse adapter (lazy initialized)
	db          adapter.Adapter
	dbConfig    adapter.Config
	dbConnected bool
	dbMu        sync.Mutex

	// Structured logger
	logger *slog.Logger

	store       core.Store
	modelsDir   string
	sourcesFile string
	maxWorkers  int

	// mu guards the loaded project; Load may be called again while a
	// run is reading the previous graph (serve --watch)
	mu      sync.RWMutex
	project *loader.Project
	graph   *dag.Graph
	names   *loader.NameTable
}

// Config holds engine configuration.
type Config struct {
	// ModelsDir is the path to the models directory
	ModelsDir string
	// SourcesFile is the path to the sources declaration file
	SourcesFile string
	// StatePath is the path to the SQLite state database
	StatePath string
	// AdapterConfig contains the warehouse connection configuration
	AdapterConfig adapter.Config
	// MaxConcurrentModels bounds the worker pool for one run.
	// Zero or one serializes execution.
	MaxConcurrentModels int
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// New creates a new engine with a lazy warehouse connection.
// The warehouse adapter is only connected when Run is called.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger.Debug("initializing engine", "models_dir", cfg.ModelsDir, "adapter_type", cfg.AdapterConfig.Type)

	store := state.NewSQLiteStore(logger)
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}

	dbConfig := cfg.AdapterConfig
	if dbConfig.Type == "" {
		dbConfig.Type = "duckdb"
	}

	maxWorkers := cfg.MaxConcurrentModels
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	return &Engine{
		db:          nil, // lazy
		dbConfig:    dbConfig,
		logger:      logger,
		store:       store,
		modelsDir:   cfg.ModelsDir,
		sourcesFile: cfg.SourcesFile,
		maxWorkers:  maxWorkers,
	}, nil
}

// Load parses declarations and resolves logical references into the
// dependency graph. It fails fast on duplicate names, unresolvable
// references, and cycles; no partial graph is retained on error.
func (e *Engine) Load() error {
	project, err := loader.Load(e.modelsDir, e.sourcesFile, e.dbConfig.Schema)
	if err != nil {
		return err
	}

	graph, err := project.BuildGraph()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.project = project
	e.graph = graph
	e.names = project.NameTable()
	e.mu.Unlock()

	e.logger.Debug("project loaded",
		"models", len(project.Models),
		"sources", len(project.Sources),
		"nodes", graph.NodeCount(),
		"edges", graph.EdgeCount())

	return nil
}

// ensureDBConnected lazily connects to the warehouse.
func (e *Engine) ensureDBConnected(ctx context.Context) error {
	e.dbMu.Lock()
	defer e.dbMu.Unlock()

	if e.dbConnected {
		return nil
	}

	e.logger.Debug("connecting to warehouse", "adapter_type", e.dbConfig.Type)

	db, err := adapter.New(e.dbConfig)
	if err != nil {
		return fmt.Errorf("failed to create warehouse adapter: %w", err)
	}
	if err := db.Connect(ctx, e.dbConfig); err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}

	e.db = db
	e.dbConnected = true

	e.logger.Debug("warehouse connected", "dialect", db.DialectName())
	return nil
}

// Close releases all resources.
func (e *Engine) Close() error {
	e.logger.Debug("closing engine")

	var errs []error
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing engine: %v", errs)
	}
	return nil
}

// Graph returns the dependency graph. Nil until Load succeeds.
func (e *Engine) Graph() *dag.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

// Project returns the loaded project. Nil until Load succeeds.
func (e *Engine) Project() *loader.Project {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.project
}

// Store returns the run-history state store.
func (e *Engine) Store() core.Store {
	return e.store
}
