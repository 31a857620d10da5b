// Package cmd defines the CLI commands for the archiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-archiver/internal/config"
	"github.com/JakeFAU/site-archiver/internal/logging"
	"github.com/JakeFAU/site-archiver/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
	return server.Build(ctx, cfg, logger)
}

type rootState struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	st := &rootState{v: config.New()}
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Crawl a website into a deduplicated offline archive.",
		Long: `archiver mirrors a website into a content-addressed archive. Pages and
assets are stored once per distinct body, every capture is written to WARC
files with a CDX index, and an interrupted crawl resumes from its checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Flags are parsed by now, so values bound onto the Viper instance
		// take precedence over the file and the environment.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindConfigFlags(st.v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Read(st.v, st.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.Build(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			st.cfg = cfg
			st.logger = logger

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&st.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("dev", false, "human-readable development logging")
	cmd.PersistentFlags().String("db", "", "sqlite database path")
	cmd.PersistentFlags().String("warc-dir", "", "directory for WARC and CDX files")
	configFlag(cmd.PersistentFlags(), "log-level", "logging.level")
	configFlag(cmd.PersistentFlags(), "dev", "logging.development")
	configFlag(cmd.PersistentFlags(), "db", "store.path")
	configFlag(cmd.PersistentFlags(), "warc-dir", "archive.dir")

	cmd.AddCommand(
		newCrawlCmd(st),
		newIngestCmd(st),
		newReplayCmd(st),
		newExportCmd(st),
		newSummaryCmd(st),
		newServeCmd(st),
	)
	for _, sub := range cmd.Commands() {
		closeAfter(sub)
	}
	return cmd
}

// closeAfter closes the App once the command finishes, whether or not it
// failed.
func closeAfter(c *cobra.Command) {
	run := c.RunE
	c.RunE = func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if app, ok := cmd.Context().Value(appKey).(*server.App); ok && app != nil {
				err = errors.Join(err, app.Close(context.WithoutCancel(cmd.Context())))
			}
		}()
		return run(cmd, args)
	}
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

const configKeyAnnotation = "archiver_config_key"

// configFlag marks a flag as overriding a config key. Only the flags of the
// command being run are bound, so subcommands may share a key.
func configFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("annotate flag %s: %v", name, err))
	}
}

func bindConfigFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 || err != nil {
			return
		}
		if bindErr := v.BindPFlag(keys[0], f); bindErr != nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// Execute runs the root command with a context canceled on SIGINT or
// SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
