package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/continuous-crawler/internal/checkpoint"
	"github.com/JakeFAU/continuous-crawler/internal/server"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspects the job's checkpoints",
	}
	cmd.AddCommand(newCheckpointListCmd())
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists checkpoints the job can be recovered from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger := commandLogger(cfg)
			defer func() { _ = logger.Sync() }()

			mirror, client, err := server.OpenMirror(cmd.Context(), cfg.Checkpoint, logger)
			if err != nil {
				return err
			}
			if client != nil {
				defer func() { _ = client.Close() }()
			}
			catalog, err := checkpoint.NewCatalog(checkpoint.Config{
				Dir:    cfg.Checkpoint.Dir,
				Job:    cfg.App.Job,
				Mirror: mirror,
			}, logger)
			if err != nil {
				return fmt.Errorf("open checkpoints: %w", err)
			}
			all, err := catalog.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list checkpoints: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREATED\tPHASE\tPENDING\tSUCCEEDED\tSEEDS")
			for _, meta := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
					meta.Name,
					meta.CreatedAt.Format(time.RFC3339),
					meta.Phase,
					meta.Pending,
					meta.Stats.Succeeded,
					len(meta.Seeds),
				)
			}
			return tw.Flush()
		},
	}
}
