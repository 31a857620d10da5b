package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-archiver/internal/api"
)

// newReplayCmd creates the 'replay' subcommand. It prints the CDX entry of
// the newest capture at or before --at, or writes the payload to --out.
func newReplayCmd(_ *rootState) *cobra.Command {
	var target, at, out string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Look up or extract an archived capture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			when, err := api.ParseTimestamp(at)
			if err != nil {
				return err
			}
			replayer := app.Replayer()
			if out == "" {
				entry, err := replayer.Lookup(cmd.Context(), target, when)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", target, err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}
			entry, rec, err := replayer.Replay(cmd.Context(), target, when)
			if err != nil {
				return fmt.Errorf("replay %s: %w", target, err)
			}
			if err := os.WriteFile(out, rec.Payload, 0o600); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d bytes -> %s\n",
				entry.Timestamp.UTC().Format(time.RFC3339), entry.URI, len(rec.Payload), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "archived URL")
	cmd.Flags().StringVar(&at, "at", "", "capture time (14-digit timestamp or RFC 3339); default now")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the payload to this file")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
