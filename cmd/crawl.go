package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/orchestrator"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl and
// prints its summary as JSON.
func newCrawlCmd(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site into the archive",
		Long: `Crawls every same-host page reachable from --url, stores pages and assets
in the archive, and prints the run summary. With --resume the crawl continues
from the last checkpoint instead of starting over.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, st)
		},
	}
	f := cmd.Flags()
	f.String("url", "", "start URL")
	f.Int("max-pages", 0, "page budget across the archive")
	f.Int("max-depth", 0, "maximum link depth")
	f.Int("workers", 0, "concurrent fetch workers")
	f.Bool("resume", false, "continue the last interrupted crawl")
	f.Bool("sitemap", true, "seed the frontier from the site's sitemaps")
	f.Bool("robots", true, "honour robots.txt")
	for key, name := range map[string]string{
		"crawl.start_url":   "url",
		"crawl.max_pages":   "max-pages",
		"crawl.max_depth":   "max-depth",
		"crawl.workers":     "workers",
		"crawl.resume":      "resume",
		"crawl.use_sitemap": "sitemap",
		"robots.respect":    "robots",
	} {
		configFlag(f, name, key)
	}
	return cmd
}

func runCrawl(cmd *cobra.Command, st *rootState) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := st.cfg.ValidateCrawl(); err != nil {
		return err
	}

	summary, runErr := app.Crawl(cmd.Context())
	if runErr != nil && !errors.Is(runErr, orchestrator.ErrStorage) {
		return fmt.Errorf("crawl failed: %w", runErr)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if runErr != nil {
		st.logger.Error("crawl aborted on storage failure", zap.Error(runErr))
		return runErr
	}
	return nil
}
