package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which exposes the HTTP API
// until interrupted. With --crawl a crawl runs in the same process.
func newServeCmd(st *rootState) *cobra.Command {
	var crawl bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve replay, summary and progress over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if crawl {
				if err := st.cfg.ValidateCrawl(); err != nil {
					return err
				}
			}
			return app.Serve(cmd.Context(), crawl)
		},
	}
	cmd.Flags().BoolVar(&crawl, "crawl", false, "run a crawl alongside the server")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("url", "", "start URL for --crawl")
	configFlag(cmd.Flags(), "port", "server.port")
	configFlag(cmd.Flags(), "url", "crawl.start_url")
	return cmd
}
