package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteground/internal/store"
)

func newRunsCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recorded crawl and index runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				run, err := a.Pipeline.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}
			var filter *store.RunStatus
			if status != "" {
				s := store.RunStatus(status)
				switch s {
				case store.RunRunning, store.RunSuccess, store.RunError:
				default:
					return fmt.Errorf("invalid status %q", status)
				}
				filter = &s
			}
			runs, err := a.Pipeline.Runs(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, success, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}
