package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/pkg/core"
)

// newListCommand creates the list command.
func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List models and sources",
		Aliases: []string{"ls"},
		RunE:    runList,
	}
	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	eng, err := createEngine(getConfig(cmd), getLogger(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	project := eng.Project()
	out := cmd.OutOrStdout()

	models := make([]*core.Model, 0, len(project.Models))
	for _, m := range project.Models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Model", "Materialized", "Schema", "Tests", "Tags"})
	for _, m := range models {
		t.AppendRow(table.Row{
			m.Name, m.Materialized, m.Schema, countTests(m.Tests), strings.Join(m.Tags, ", "),
		})
	}
	t.Render()

	if len(project.Sources) == 0 {
		return nil
	}

	sources := make([]*core.Source, 0, len(project.Sources))
	for _, s := range project.Sources {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	fmt.Fprintln(out)
	st := table.NewWriter()
	st.SetOutputMirror(out)
	st.SetStyle(table.StyleLight)
	st.AppendHeader(table.Row{"Source", "Table", "Physical Name", "Tests"})
	for _, s := range sources {
		for _, tbl := range s.Tables {
			st.AppendRow(table.Row{s.Name, tbl.Name, s.PhysicalName(tbl.Name), countTests(tbl.Tests)})
		}
	}
	st.Render()

	return nil
}

// countTests counts individual checks across test config entries.
func countTests(tests []core.TestConfig) int {
	n := 0
	for _, tc := range tests {
		n += len(tc.Unique) + len(tc.NotNull)
		if tc.AcceptedValues != nil {
			n++
		}
		if tc.Query != "" {
			n++
		}
	}
	return n
}
