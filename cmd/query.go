package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func newQueryCmd() *cobra.Command {
	var showContext bool
	cmd := &cobra.Command{
		Use:   "query <prompt>",
		Short: "Answer a question from the indexed site content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			answer, err := a.Pipeline.Query(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if showContext {
				return printJSON(cmd.OutOrStdout(), answer)
			}
			_, err = cmd.OutOrStdout().Write([]byte(answer.Response + "\n"))
			return err
		},
	}
	cmd.Flags().BoolVar(&showContext, "context", false, "print the retrieved passages with the answer as JSON")
	return cmd
}
