package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/replication"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync checkpoint and how far behind it is",
	Long: `Display the current sync status including:
  - Local checkpoint sequence and when it was written
  - Number of stored changesets
  - Remote sequence and publish time
  - Number of increments behind`,
	Run: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx := context.Background()

	gw := openStore(ctx)

	fetcher := newFetcher()
	status, err := replication.NewSyncer(gw, fetcher, fetcher, replication.Options{}).Status(ctx)
	if err != nil {
		exitWithError("failed to get status", err)
	}

	log.Debug("Sync status",
		zap.Bool("has_checkpoint", status.HasCheckpoint),
		zap.Int64("local_sequence", status.LocalSequence),
		zap.Int64("remote_sequence", status.RemoteSequence),
		zap.Int64("behind", status.Behind),
		zap.Int64("changesets", status.Changesets))

	fmt.Print(status.String())
}
