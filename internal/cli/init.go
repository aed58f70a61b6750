package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const initConfigTemplate = `# Flowline project configuration
models_dir: models
sources_file: sources.yaml
state_path: .flowline/state.db

target:
  type: duckdb
  path: flowline.duckdb
  schema: main

schedule:
  interval: "@daily"
  catchup: false
  max_concurrent_models: 1

listen: 127.0.0.1:8060
`

const initSourcesTemplate = `sources:
  - name: raw
    schema: raw
    tables:
      - name: orders
        tests:
          - not_null: [order_id]
`

const initStagingModel = `/*---
materialized: view
tests:
  - unique: [order_id]
    not_null: [order_id]
---*/
select
    order_id,
    customer_id,
    amount
from {{ source('raw', 'orders') }}
`

const initMartModel = `/*---
materialized: table
---*/
select
    customer_id,
    count(*) as order_count,
    sum(amount) as total_amount
from {{ ref('stg_orders') }}
group by customer_id
`

// newInitCommand creates the init command.
func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Scaffold a new project",
		Long: `Create a new project with a config file, an example source
declaration, and two example models.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runInit(cmd, dir)
		},
	}
	return cmd
}

func runInit(cmd *cobra.Command, dir string) error {
	files := map[string]string{
		"flowline.yaml":         initConfigTemplate,
		"sources.yaml":          initSourcesTemplate,
		"models/stg_orders.sql": initStagingModel,
		"models/fct_orders.sql": initMartModel,
	}

	for _, rel := range []string{"flowline.yaml", "flowline.yml"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err == nil {
			return fmt.Errorf("%s already exists in %s", rel, dir)
		}
	}

	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nNext steps:")
	fmt.Fprintln(cmd.OutOrStdout(), "  flowline run        # execute the example models")
	fmt.Fprintln(cmd.OutOrStdout(), "  flowline dag        # inspect the dependency graph")
	fmt.Fprintln(cmd.OutOrStdout(), "  flowline serve      # start the daily scheduler")
	return nil
}
