package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-archiver/internal/ingest"
)

// newIngestCmd creates the 'ingest' subcommand, which loads an existing
// mirror directory into the archive.
func newIngestCmd(st *rootState) *cobra.Command {
	var dir, baseURL string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Import a mirrored directory tree into the archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			in := ingest.New(app.Store(), app.Archive(), ingest.WithLogger(st.logger.Named("ingest")))
			res, err := in.Ingest(cmd.Context(), ingest.Config{
				Dir:          dir,
				BaseURL:      baseURL,
				MaxFileBytes: st.cfg.Ingest.MaxFileBytes,
			})
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "mirror directory")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "URL the directory root was mirrored from")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}
