package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/cmc-crawler/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand. It is what the root command runs
// by default and exists for scripts that prefer an explicit verb.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured start URLs",
		Long: `Initiates a bounded-concurrency crawl of the start URLs from the
configuration file, environment (CRAWLER_*) or --url flags. Every page yields
one record in each configured sink.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.app.Logger()

	res, err := rt.app.Crawl(cmd.Context(), rt.cfg.Crawler.StartURLs, failureLogger(logger))
	if err != nil {
		// Cobra skips post-run hooks on error.
		rt.app.Close()
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Crawler finished.")
	fmt.Fprintf(out, "run %s: %d succeeded, %d failed of %d in %s\n",
		res.RunID, res.Summary.Succeeded, res.Summary.Failed, res.Total, res.Summary.Duration.Round(time.Millisecond))
	logger.Info("crawl command finished",
		zap.String("run_id", res.RunID),
		zap.Int("succeeded", res.Summary.Succeeded),
		zap.Int("failed", res.Summary.Failed),
		zap.Int64("progress_events_dropped", res.Dropped),
	)
	return nil
}

// failureLogger reports every terminally failed page once.
func failureLogger(logger *zap.Logger) crawler.FailureHandler {
	return func(_ context.Context, f crawler.Failure) {
		logger.Error(fmt.Sprintf("Request %s failed %d times.", f.URL, f.Attempts),
			zap.String("kind", string(f.Kind)),
			zap.Error(f.Err),
		)
	}
}
