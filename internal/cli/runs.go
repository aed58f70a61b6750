package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/internal/state"
	"github.com/flowline-labs/flowline/pkg/core"
)

// newRunsCommand creates the runs command.
func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show run history",
		Long: `List recent runs, or show one run's per-node results when a run ID
is given. Works against the state database only; no warehouse
connection is made.`,
		Example: `  # List the last 20 runs
  flowline runs

  # Show a single run with node-level detail
  flowline runs 6f1c0a1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showRun(cmd, args[0])
			}
			return listRuns(cmd, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

// openStore opens the state database without touching the warehouse.
func openStore(cmd *cobra.Command) (core.Store, error) {
	cfg := getConfig(cmd)
	store := state.NewSQLiteStore(getLogger(cmd))
	if err := store.Open(cfg.StatePath); err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func listRuns(cmd *cobra.Command, limit int) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run ID", "Trigger", "Status", "Started", "Duration", "Error"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.Trigger,
			run.Status,
			run.StartedAt.Local().Format(time.DateTime),
			runDuration(run),
			truncate(run.Error, 50),
		})
	}
	t.Render()
	return nil
}

func showRun(cmd *cobra.Command, runID string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	nodeRuns, err := store.GetNodeRunsForRun(runID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s\n", run.ID)
	fmt.Fprintf(out, "  trigger:  %s\n", run.Trigger)
	fmt.Fprintf(out, "  status:   %s\n", run.Status)
	fmt.Fprintf(out, "  started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "  duration: %s\n", runDuration(run))
	if run.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", run.Error)
	}
	fmt.Fprintln(out)

	printNodeRuns(cmd, nodeRuns)
	return nil
}

func runDuration(run *core.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}
