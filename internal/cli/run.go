package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/pkg/core"
)

// runOptions holds options for the run command.
type runOptions struct {
	Select        string
	Downstream    bool
	MaxConcurrent int
}

// newRunCommand creates the run command.
func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run all models or specific models",
		Long: `Execute SQL models in dependency order, then run each model's
data-quality checks.

By default all discovered models run. Use --select to run specific
models, and --downstream to include their dependents.`,
		Example: `  # Run all models
  flowline run

  # Run specific models
  flowline run --select stg_orders,stg_customers

  # Run a model and everything downstream of it
  flowline run --select stg_orders --downstream

  # Allow four models to execute in parallel
  flowline run --max-concurrent 4`,
		Aliases: []string{"build"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Select, "select", "s", "", "comma-separated list of models to run")
	cmd.Flags().BoolVar(&opts.Downstream, "downstream", false, "include downstream dependents with --select")
	cmd.Flags().IntVar(&opts.MaxConcurrent, "max-concurrent", 0, "max models executing in parallel (overrides config)")

	return cmd
}

func runRun(cmd *cobra.Command, opts *runOptions) error {
	cfg := getConfig(cmd)
	if opts.MaxConcurrent > 0 {
		cfg.Schedule.MaxConcurrentModels = opts.MaxConcurrent
	}

	eng, err := createEngine(cfg, getLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	// Ctrl-C cancels the run; in-flight statements finish or abort and
	// remaining nodes are marked cancelled
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()

	var run *core.Run
	var runErr error
	if opts.Select != "" {
		selected := splitSelect(opts.Select)
		fmt.Fprintf(cmd.OutOrStdout(), "Running %d selected model(s)...\n", len(selected))
		run, runErr = eng.RunSelected(ctx, core.TriggerManual, selected, opts.Downstream)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Running %d model(s)...\n", len(eng.Project().Models))
		run, runErr = eng.Run(ctx, core.TriggerManual)
	}

	if run == nil {
		return runErr
	}

	nodeRuns, err := eng.Store().GetNodeRunsForRun(run.ID)
	if err == nil {
		printNodeRuns(cmd, nodeRuns)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s (%s)\n",
		run.ID, run.Status, time.Since(startTime).Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Error: %s\n", run.Error)
	}

	return runErr
}

func splitSelect(s string) []string {
	parts := strings.Split(s, ",")
	selected := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			selected = append(selected, p)
		}
	}
	return selected
}

func printNodeRuns(cmd *cobra.Command, nodeRuns []*core.NodeRun) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Node", "Kind", "Status", "Rows", "Time", "Error"})
	for _, nr := range nodeRuns {
		t.AppendRow(table.Row{
			nr.Node,
			nr.Kind,
			nr.Status,
			nr.RowsAffected,
			(time.Duration(nr.ExecutionMS) * time.Millisecond).String(),
			truncate(nr.Error, 60),
		})
	}
	t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
