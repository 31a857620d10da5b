package cmd

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/export"
	"github.com/JakeFAU/site-archiver/internal/storage/gcs"
	"github.com/JakeFAU/site-archiver/internal/storage/local"
)

// newExportCmd creates the 'export' subcommand. It writes metadata.json and
// errors.json, optionally the page and asset files, and optionally uploads
// the export and the WARC files to a GCS bucket.
func newExportCmd(st *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the archive's metadata, error log and files to a directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, st)
		},
	}
	f := cmd.Flags()
	f.String("dir", "", "export directory")
	f.Bool("materialize", false, "also write every page and asset as a file")
	f.String("gcs-bucket", "", "upload the export and WARC files to this bucket")
	f.String("gcs-prefix", "", "object name prefix in the bucket")
	configFlag(f, "dir", "export.dir")
	configFlag(f, "materialize", "export.materialize")
	configFlag(f, "gcs-bucket", "export.gcs.bucket")
	configFlag(f, "gcs-prefix", "export.gcs.prefix")
	return cmd
}

func runExport(cmd *cobra.Command, st *rootState) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := st.cfg.Export
	logger := st.logger.Named("export")

	dst, err := local.New(local.Config{BaseDir: cfg.Dir})
	if err != nil {
		return fmt.Errorf("open export dir: %w", err)
	}
	exp := export.New(app.Store(), export.WithLogger(logger))
	if _, err := exp.WriteMetadata(ctx, dst); err != nil {
		return err
	}
	if _, err := exp.WriteErrors(ctx, dst); err != nil {
		return err
	}
	if cfg.Materialize {
		n, err := exp.Materialize(ctx, dst)
		if err != nil {
			return err
		}
		logger.Info("files materialized", zap.Int("files", n))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "export written to %s\n", dst.BaseDir())

	if cfg.GCS.Bucket == "" {
		return nil
	}
	bucket, err := gcs.Open(ctx, cfg.GCS, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := bucket.Close(); err != nil {
			logger.Warn("gcs client close failed", zap.Error(err))
		}
	}()
	if _, err := export.Upload(ctx, bucket, dst.BaseDir(), "export", logger); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	if _, err := export.Upload(ctx, bucket, app.Archive().Dir(), "warc", logger); err != nil {
		return fmt.Errorf("upload warc files: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded to gs://%s\n", path.Join(cfg.GCS.Bucket, cfg.GCS.Prefix))
	return nil
}
