// Package cli provides the command-line interface for flowline.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/internal/config"
	"github.com/flowline-labs/flowline/internal/engine"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// configKey stores the loaded config in the command context.
type configKey struct{}

// loggerKey stores the logger in the command context.
type loggerKey struct{}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "flowline",
		Short: "Flowline - ELT orchestration and transformation engine",
		Long: `Flowline executes SQL models in dependency order against your
warehouse, runs data-quality checks after each materialization, and
schedules whole-graph runs on a cadence.

Models are .sql files with YAML frontmatter; dependencies are declared
inline with {{ ref('model') }} and {{ source('source', 'table') }}.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion", "__complete", "version", "init":
				return nil
			}

			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)

			ctx := context.WithValue(cmd.Context(), configKey{}, cfg)
			ctx = context.WithValue(ctx, loggerKey{}, logger)
			cmd.SetContext(ctx)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./flowline.yaml)")
	rootCmd.PersistentFlags().String("models-dir", "models", "path to the models directory")
	rootCmd.PersistentFlags().String("sources-file", "sources.yaml", "path to the sources declaration file")
	rootCmd.PersistentFlags().String("state-path", ".flowline/state.db", "path to the run-history database")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDAGCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newInitCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// getConfig retrieves the config from the command context.
func getConfig(cmd *cobra.Command) *config.Config {
	if c, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return c
	}
	return &config.Config{}
}

// getLogger retrieves the logger from the command context.
func getLogger(cmd *cobra.Command) *slog.Logger {
	if l, ok := cmd.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// createEngine builds and loads an engine from the configuration.
func createEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	stateDir := filepath.Dir(cfg.StatePath)
	if stateDir != "." && stateDir != "" {
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	eng, err := engine.New(engine.Config{
		ModelsDir:           cfg.ModelsDir,
		SourcesFile:         cfg.SourcesFile,
		StatePath:           cfg.StatePath,
		AdapterConfig:       cfg.Target.AdapterConfig(),
		MaxConcurrentModels: cfg.Schedule.MaxConcurrentModels,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	if err := eng.Load(); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}
