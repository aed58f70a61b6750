package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/internal/dag"
)

// newDAGCommand creates the dag command.
func newDAGCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Show the dependency graph",
		Long: `Display the dependency graph of all models and declared sources.

Nodes are grouped by execution level: everything in one level can run
in parallel once the previous level finished.`,
		Example: `  # Show the DAG
  flowline dag

  # Output as JSON
  flowline dag --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDAG(cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

type dagLevelOutput struct {
	Level int            `json:"level"`
	Nodes []dagNodeOutput `json:"nodes"`
}

type dagNodeOutput struct {
	ID        string   `json:"id"`
	DependsOn []string `json:"depends_on,omitempty"`
	UsedBy    []string `json:"used_by,omitempty"`
}

func runDAG(cmd *cobra.Command, jsonOutput bool) error {
	eng, err := createEngine(getConfig(cmd), getLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	graph := eng.Graph()
	levels, err := graph.ExecutionLevels()
	if err != nil {
		return fmt.Errorf("failed to compute execution levels: %w", err)
	}

	if jsonOutput {
		return dagJSON(cmd, graph, levels)
	}
	return dagText(cmd, graph, levels)
}

func dagText(cmd *cobra.Command, graph *dag.Graph, levels [][]string) error {
	out := cmd.OutOrStdout()

	for i, level := range levels {
		fmt.Fprintf(out, "Level %d:\n", i)
		for _, id := range level {
			fmt.Fprintf(out, "  %s\n", id)
			if deps := graph.GetParents(id); len(deps) > 0 {
				fmt.Fprintf(out, "    depends on: %s\n", strings.Join(deps, ", "))
			}
			if children := graph.GetChildren(id); len(children) > 0 {
				fmt.Fprintf(out, "    used by: %s\n", strings.Join(children, ", "))
			}
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "Total: %d nodes, %d dependencies\n", graph.NodeCount(), graph.EdgeCount())
	return nil
}

func dagJSON(cmd *cobra.Command, graph *dag.Graph, levels [][]string) error {
	output := make([]dagLevelOutput, 0, len(levels))
	for i, level := range levels {
		lvl := dagLevelOutput{Level: i, Nodes: make([]dagNodeOutput, 0, len(level))}
		for _, id := range level {
			lvl.Nodes = append(lvl.Nodes, dagNodeOutput{
				ID:        id,
				DependsOn: graph.GetParents(id),
				UsedBy:    graph.GetChildren(id),
			})
		}
		output = append(output, lvl)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
