// Package cmd defines and implements the CLI commands for the crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/config"
	"github.com/JakeFAU/continuous-crawler/internal/logging"
)

var cfgFile string

// cfgKeyType is the key for storing the loaded config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "A continuous, checkpointable web crawler.",
		Long: `crawler runs a long-lived crawl job: a politeness-aware frontier,
a pool of fetch workers, a persistent fetch history and periodic
checkpoints the job can be recovered from. The job is driven from
this CLI or through its HTTP API.`,
		SilenceUsage: true,

		// Load configuration once and hand it to subcommands through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the CRAWLER_ prefix)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newCheckpointCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// commandLogger builds a logger for one-shot tooling commands.
func commandLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, lerr := logging.New(logging.Config{Development: true})
		if lerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}
