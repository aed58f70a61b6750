package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowline-labs/flowline/pkg/core"
)

// newTriggerCommand creates the trigger command.
func newTriggerCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a run on a running scheduler",
		Long: `Ask a running scheduler daemon (flowline serve) to execute a run
now. Non-overlap still applies: if a run is in progress the manual
slot is deferred until it finishes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = getConfig(cmd).Listen
			}
			return runTrigger(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "scheduler control API address (default from config)")
	return cmd
}

func runTrigger(cmd *cobra.Command, addr string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	url := fmt.Sprintf("http://%s/api/v1/trigger", addr)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is `flowline serve` running on %s? %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("trigger failed (%d): %s", resp.StatusCode, apiErr.Error)
	}

	var slot core.Slot
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Triggered slot %s\n", slot.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Track it with: flowline runs\n")
	return nil
}
