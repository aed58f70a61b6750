package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/internal/config"
	"github.com/flowline-labs/flowline/internal/engine"
	"github.com/flowline-labs/flowline/internal/scheduler"
)

// newServeCommand creates the serve command.
func newServeCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Long: `Start the cadence scheduler and its HTTP control API.

Runs execute on the configured interval. The control API exposes
manual triggering (POST /api/v1/trigger) and run history
(GET /api/v1/runs, /api/v1/runs/{id}, /api/v1/slots).`,
		Example: `  # Daily runs, control API on the configured address
  flowline serve

  # Reload the project when model files change
  flowline serve --watch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload the project when declaration files change")
	return cmd
}

func runServe(cmd *cobra.Command, watch bool) error {
	cfg := getConfig(cmd)
	logger := getLogger(cmd)

	eng, err := createEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	startDate, err := cfg.Schedule.StartTime()
	if err != nil {
		return err
	}

	sched, err := scheduler.New(eng, eng.Store(), scheduler.Config{
		Interval:  cfg.Schedule.Interval,
		Catchup:   cfg.Schedule.Catchup,
		StartDate: startDate,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           scheduler.NewServer(sched, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("control API listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control API failed: %w", err)
		}
	}()

	if watch {
		go watchProject(ctx, eng, cfg, logger)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return runErr
}

// watchProject reloads the project whenever declaration files change.
// Events are debounced because editors emit bursts of writes.
func watchProject(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to start file watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	addDirs := func(root string) {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || !info.IsDir() {
				return nil
			}
			if strings.HasPrefix(info.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		})
	}

	addDirs(cfg.ModelsDir)
	if dir := filepath.Dir(cfg.SourcesFile); dir != "" {
		_ = watcher.Add(dir)
	}

	logger.Info("watching for project changes", "models_dir", cfg.ModelsDir)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addDirs(event.Name)
				}
			}
			if !relevantChange(event, cfg) {
				continue
			}
			reload = time.After(300 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("file watcher error", "error", err)
		case <-reload:
			reload = nil
			if err := eng.Load(); err != nil {
				logger.Error("project reload failed", "error", err)
				continue
			}
			logger.Info("project reloaded",
				"models", len(eng.Project().Models),
				"nodes", eng.Graph().NodeCount())
		}
	}
}

func relevantChange(event fsnotify.Event, cfg *config.Config) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if event.Name == cfg.SourcesFile || filepath.Base(event.Name) == filepath.Base(cfg.SourcesFile) {
		return true
	}
	switch filepath.Ext(event.Name) {
	case ".sql", ".yaml", ".yml":
		return true
	}
	return false
}
