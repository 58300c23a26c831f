package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/history"
	"github.com/JakeFAU/continuous-crawler/internal/storage/badgerdb"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Imports and exports the fetch history store",
	}
	cmd.AddCommand(newHistoryImportCmd(), newHistoryExportCmd())
	return cmd
}

func newHistoryImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import SOURCE [TARGET]",
		Short: "Imports history records from a store directory or log",
		Long: `Imports history records from SOURCE, either another history store
directory or a "key base64(record)" log (a path or an http(s) URL,
gunzipped when it ends in .gz). Without TARGET the records are only
logged. TARGET is a history store directory, created if needed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger := commandLogger(cfg)
			defer func() { _ = logger.Sync() }()

			source := args[0]
			if len(args) == 1 {
				res, err := history.ImportFrom(cmd.Context(), source, nil, logger)
				if err != nil {
					return fmt.Errorf("dry run %s: %w", source, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records would be imported (%d skipped)\n", res.Imported, res.Skipped)
				return nil
			}

			db, err := badgerdb.Open(badgerdb.Config{Path: args[1], Logger: logger.Named("badger")})
			if err != nil {
				return fmt.Errorf("open target store: %w", err)
			}
			defer func() { _ = db.Close() }()
			target := history.Open(db, history.Config{}, logger.Named("history"))

			res, importErr := history.ImportFrom(cmd.Context(), source, target, logger)
			if err := target.Close(); err != nil && importErr == nil {
				importErr = fmt.Errorf("flush target store: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records imported (%d skipped)\n", res.Imported, res.Skipped)
			if importErr != nil {
				return fmt.Errorf("import %s: %w", source, importErr)
			}
			return nil
		},
	}
}

func newHistoryExportCmd() *cobra.Command {
	var (
		dir string
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes the history store as a log",
		Long: `Walks a history store in key order and writes one
"key base64(record)" line per record. The log is gzipped when --out
ends in .gz. The store defaults to the job's history directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger := commandLogger(cfg)
			defer func() { _ = logger.Sync() }()
			if dir == "" {
				dir = cfg.History.Dir
			}

			dbCfg := badgerdb.DefaultConfig(dir)
			dbCfg.ReadOnly = true
			dbCfg.Logger = logger.Named("badger")
			db, err := badgerdb.Open(dbCfg)
			if err != nil {
				return fmt.Errorf("open history store: %w", err)
			}
			defer func() { _ = db.Close() }()
			store := history.Open(db, history.Config{}, logger.Named("history"))
			defer func() { _ = store.Close() }()

			w, closeOut, err := exportWriter(cmd.OutOrStdout(), out)
			if err != nil {
				return err
			}
			n, err := history.Export(cmd.Context(), store, w)
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("export history: %w", err)
			}
			logger.Info("history exported", zap.Int("records", n), zap.String("store", dir))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "history store directory (default: the job's history dir)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func exportWriter(stdout io.Writer, path string) (io.Writer, func() error, error) {
	if path == "" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create export file: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, f.Close, nil
	}
	gz := gzip.NewWriter(f)
	return gz, func() error {
		if err := gz.Close(); err != nil {
			_ = f.Close()
			return fmt.Errorf("close gzip writer: %w", err)
		}
		return f.Close()
	}, nil
}
