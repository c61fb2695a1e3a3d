package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/replication"
)

var (
	autosyncInterval time.Duration
	maxRuns          int
)

var autosyncCmd = &cobra.Command{
	Use:   "autosync",
	Short: "Sync continuously",
	Long: `Run sync in a loop that:
  1. Applies all pending increments
  2. Waits for --interval
  3. Continues until interrupted (Ctrl+C) or --max-runs is reached

A failed run is logged and retried on the next tick; the checkpoint
guarantees it resumes after the last applied increment. --sequence only
applies to the first run.`,
	Run: runAutosync,
}

func init() {
	rootCmd.AddCommand(autosyncCmd)
	autosyncCmd.Flags().DurationVar(&autosyncInterval, "interval", 70*time.Second, "Interval between sync runs")
	autosyncCmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Maximum number of sync runs (0 = unlimited)")
	autosyncCmd.Flags().Int64Var(&startSequence, "sequence", 0, "Sequence to start the first run at (inclusive)")
	autosyncCmd.Flags().IntVar(&maxIncrements, "max-increments", 0, "Maximum increments per run (0 = until caught up)")
}

func runAutosync(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	gw := openStore(ctx)

	fetcher := newFetcher()
	syncer := replication.NewSyncer(gw, fetcher, fetcher, replication.Options{MaxIncrements: maxIncrements})

	if src := fetcher.Source(); autosyncInterval < src.UpdateInterval {
		log.Warn("Interval is shorter than the source publish interval, most runs will find nothing new",
			zap.Duration("interval", autosyncInterval),
			zap.Duration("publish_interval", src.UpdateInterval))
	}

	log.Info("Starting continuous sync",
		zap.String("source", fetcher.Source().BaseURL),
		zap.Duration("interval", autosyncInterval),
		zap.Int("max_runs", maxRuns))
	fmt.Printf("Syncing from %s every %s (press Ctrl+C to stop)\n", fetcher.Source().BaseURL, autosyncInterval)

	var runs, applied atomic.Int64
	start := syncStart(cmd)

	runOnce := func(ctx context.Context) {
		result, err := syncer.Run(ctx, start)
		runs.Add(1)
		if result != nil {
			applied.Add(int64(result.Applied))
		}
		switch {
		case err == nil:
			// later runs resume from the checkpoint
			start = nil
			if result.Applied > 0 {
				log.Info("Sync run finished",
					append([]zap.Field{
						zap.String("run_id", result.RunID),
						zap.Int("increments", result.Applied),
						zap.Int64("total_increments", applied.Load()),
					}, result.Stats.Fields()...)...)
			} else {
				log.Debug("No new increments", zap.String("run_id", result.RunID))
			}
		case errors.Is(err, context.Canceled):
		case errors.Is(err, replication.ErrNoResumePoint):
			exitWithError("no checkpoint in the store yet, pass --sequence for the first run", err)
		default:
			if result != nil && result.Applied > 0 {
				start = nil
			}
			reportSyncError(err)
			log.Error("Sync run failed, retrying next interval", zap.Error(err))
		}
	}

	err := runWithMetrics(ctx, map[string]func() int64{
		"sync_runs":          runs.Load,
		"increments_applied": applied.Load,
	}, func(ctx context.Context) error {
		ticker := time.NewTicker(autosyncInterval)
		defer ticker.Stop()

		for {
			runOnce(ctx)
			if maxRuns > 0 && runs.Load() >= int64(maxRuns) {
				log.Info("Reached max runs limit", zap.Int("max", maxRuns))
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	if err != nil {
		exitWithError("autosync failed", err)
	}

	log.Info("Sync stopped",
		zap.Int64("runs", runs.Load()),
		zap.Int64("total_increments", applied.Load()))
	fmt.Printf("\nSync stopped. Applied %d increments in %d runs.\n", applied.Load(), runs.Load())
}
