// Package cmd defines and implements the CLI commands for the cmc-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/app"
	"github.com/JakeFAU/cmc-crawler/internal/config"
	"github.com/JakeFAU/cmc-crawler/internal/crawler"
	"github.com/JakeFAU/cmc-crawler/internal/logging"
)

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Crawl(ctx context.Context, urls []string, onFailure crawler.FailureHandler) (app.Result, error)
	Logger() *zap.Logger
	Close()
}

// runtime bundles what PersistentPreRunE prepared for a subcommand.
type runtime struct {
	cfg config.Config
	app App
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. Running it without a
// subcommand performs a crawl.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "cmc-crawler",
		Short: "Crawl the CoinMarketCap listing page into structured records.",
		Long: `cmc-crawler fetches one or more listing pages, extracts the asset name,
price, market capitalization, 24h volume and 24h change columns, and appends one
JSON record per page to the configured sinks. Concurrency scales between the
configured bounds and failed pages are retried a bounded number of times.`,
		SilenceUsage: true,

		// Config and services are built before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, app: appInstance})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				rt.app.Close()
			}
		},

		RunE: runCrawlCommand,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/cmc-crawler or $HOME/.cmc-crawler)")
	flags.StringSlice("url", nil, "start URL to crawl; repeatable (default https://coinmarketcap.com)")
	flags.Int("min-concurrency", 0, "minimum concurrent requests")
	flags.Int("max-concurrency", 0, "maximum concurrent requests")
	flags.Int("max-retries", 0, "retries per page after the first attempt")
	flags.Duration("timeout", 0, "per page fetch and parse timeout")
	flags.StringSlice("sink", nil, "record sinks: dataset, jsonl, gcs, postgres, pubsub, kafka")
	flags.Int("port", 0, "serve the status API on this port; 0 disables it")
	flags.Bool("progress", false, "render a progress bar on stderr")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	bindFlags(v, cmd)

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// flagKeys maps CLI flags onto config keys. Only flags the user set override
// file and environment values.
var flagKeys = map[string]string{
	"url":             "crawler.start_urls",
	"min-concurrency": "crawler.min_concurrency",
	"max-concurrency": "crawler.max_concurrency",
	"max-retries":     "crawler.max_retries",
	"timeout":         "crawler.per_item_timeout",
	"sink":            "sink.kinds",
	"port":            "server.port",
	"progress":        "progress.bar",
	"log-level":       "logging.level",
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for flag, key := range flagKeys {
		if f := cmd.PersistentFlags().Lookup(flag); f != nil {
			//nolint:errcheck // Lookup guarantees a non-nil flag
			_ = v.BindPFlag(key, f)
		}
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil || rt.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. It exits non-zero only when the crawler
// could not be initialized.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
