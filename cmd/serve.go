package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reference upload collector.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			srv, err := appInstance.CollectorServer(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context(), srv.Handler())
		},
	}
}
