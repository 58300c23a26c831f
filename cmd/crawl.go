package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/continuous-crawler/internal/config"
	"github.com/JakeFAU/continuous-crawler/internal/server"
)

// Runner is the process the crawl command drives. *server.App satisfies it.
type Runner interface {
	Run(ctx context.Context, launch bool) error
}

// newRunner is the application factory. It's a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		recoverFrom string
		serveOnly   bool
		seeds       []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl job",
		Long: `Builds the job from configuration and launches it. The HTTP API
stays up while the crawl runs so it can be paused, checkpointed or
terminated. Without --serve the command exits when the crawl finishes;
with it the job waits for a launch through the API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if recoverFrom != "" {
				cfg.App.Recover = recoverFrom
			}
			cfg.Crawl.Seeds = append(cfg.Crawl.Seeds, seeds...)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if serveOnly && !cfg.API.Enabled {
				return errors.New("--serve requires the api to be enabled")
			}
			return runCrawl(cmd.Context(), cfg, !serveOnly)
		},
	}
	cmd.Flags().StringVar(&recoverFrom, "recover", "", `checkpoint to recover from, or "latest"`)
	cmd.Flags().BoolVar(&serveOnly, "serve", false, "serve the API and wait for a launch instead of starting immediately")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "additional seed URL (repeatable)")
	return cmd
}

func runCrawl(ctx context.Context, cfg *config.Config, launch bool) error {
	runner, err := newRunner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := runner.Run(ctx, launch); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawler: %w", err)
	}
	return nil
}
