package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/store"
)

var dropExisting bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the changeset tables and indexes",
	Long: `Create the store schema:
  - changes table with a unique index on the changeset id
  - secondary indexes on user, creation and close time
  - state table holding the replication checkpoint
  - on PostgreSQL: full-text indexes on comment and created_by (and the
    hstore extension with --hstore)

Run once before the first import or sync. With --drop existing tables are
removed first.`,
	Run: runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
	setupCmd.Flags().BoolVar(&dropExisting, "drop", false, "Drop existing tables first")
}

func runSetup(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx := context.Background()

	gw := openStore(ctx)

	setupper, ok := gw.(store.Setupper)
	if !ok {
		log.Info("Backend needs no setup", zap.String("backend", string(cfg.Backend)))
		return
	}

	if err := setupper.Setup(ctx, dropExisting); err != nil {
		exitWithError("failed to set up store", err)
	}

	log.Info("Store ready",
		zap.String("backend", string(cfg.Backend)),
		zap.Bool("hstore", cfg.Hstore),
		zap.Bool("dropped", dropExisting))
	fmt.Printf("Store set up (%s).\n", cfg.Backend)
}
