package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSummaryCmd(_ *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the summary of the last crawl",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := app.Summary(cmd.Context())
			if err != nil {
				return fmt.Errorf("build summary: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
}
