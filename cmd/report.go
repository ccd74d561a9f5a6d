package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Merge every worker's durable log into the results artifact.",
		Long: `report runs once after all test workers have exited. It reconciles the
per-session upload outcomes, writes the merged results file, mirrors it when an
artifact target is configured and publishes a run notification. The command
exits non-zero when any session's upload failed without a later success.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, runErr := appInstance.Finalize(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return runErr
		},
	}
}
