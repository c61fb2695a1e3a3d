package cmd

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmchanges-go/internal/changeset"
	"github.com/wegman-software/osmchanges-go/internal/ingest"
	"github.com/wegman-software/osmchanges-go/internal/logger"
)

var (
	importSkipOpen      bool
	importProgressEvery int64
)

var importCmd = &cobra.Command{
	Use:   "import [changesets file]",
	Short: "Bulk import a changeset archive",
	Long: `Import every changeset from a local archive: an uncompressed planet
changeset dump or a gzip-compressed one.

Changesets already in the store are skipped, so an interrupted import can
simply be rerun. Open changesets are imported unless --skip-open is set.

Example:
  osmchanges-go import changesets-240101.osm.gz --backend sqlite`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&importSkipOpen, "skip-open", false, "Skip changesets that are still open")
	importCmd.Flags().Int64Var(&importProgressEvery, "progress-every", 100000, "Log progress every N changesets (0 = never)")
}

func runImport(cmd *cobra.Command, args []string) {
	log := logger.Get()
	path := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	gw := openStore(ctx)

	rc, err := changeset.OpenFile(path)
	if err != nil {
		exitWithError("failed to open input", err)
	}
	onExit(func() { rc.Close() })

	log.Info("Starting import",
		zap.String("input", path),
		zap.String("backend", string(cfg.Backend)),
		zap.Bool("skip_open", importSkipOpen))

	var read, inserted atomic.Int64
	opts := ingest.Options{
		SkipOpen:      importSkipOpen,
		ProgressEvery: importProgressEvery,
		Progress: func(s ingest.Stats) {
			read.Store(s.Read)
			inserted.Store(s.Inserted)
			log.Info("Import progress",
				zap.Int64("read", s.Read),
				zap.Int64("inserted", s.Inserted),
				zap.String("rate", ingest.FormatThroughput(s.Throughput())))
		},
	}

	decoder := changeset.NewDecoder(rc)
	var stats *ingest.Stats
	err = runWithMetrics(ctx, map[string]func() int64{
		"changesets_read":     read.Load,
		"changesets_inserted": inserted.Load,
	}, func(ctx context.Context) error {
		var err error
		stats, err = ingest.New(gw).Ingest(ctx, decoder, opts)
		return err
	})

	if stats != nil {
		ds := decoder.Stats()
		log.Info("Import finished",
			append(stats.Fields(),
				zap.Int64("dropped_tags", ds.DroppedTags),
				zap.String("rate", ingest.FormatThroughput(stats.Throughput())))...)
	}
	if err != nil {
		exitWithError("import failed", err)
	}

	fmt.Printf("Imported %d new changesets (%d already present, %d skipped open, %d malformed) in %s\n",
		stats.Inserted, stats.Existing+stats.Duplicates, stats.SkippedOpen, stats.Malformed,
		ingest.FormatDuration(stats.Elapsed))
}
