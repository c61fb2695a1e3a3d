package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmchanges-go/internal/config"
	"github.com/wegman-software/osmchanges-go/internal/logger"
	"github.com/wegman-software/osmchanges-go/internal/metrics"
	"github.com/wegman-software/osmchanges-go/internal/replication"
	"github.com/wegman-software/osmchanges-go/internal/store"
)

var (
	cfg             = config.DefaultConfig()
	backend         string
	verbose         bool
	logFile         string
	metricsInterval time.Duration

	// cleanups run in reverse order when a command finishes or exits early
	cleanupMu sync.Mutex
	cleanups  []func()
	exit      = os.Exit
)

var rootCmd = &cobra.Command{
	Use:   "osmchanges-go",
	Short: "Mirror OpenStreetMap changeset metadata into a database",
	Long: `osmchanges-go keeps a database copy of OpenStreetMap changeset metadata.

Features:
  - Streaming parser for changeset archives and replication increments
  - Bulk import of full changeset dumps (plain or gzip)
  - Incremental sync from the minutely changeset replication feed
  - Checkpointed, idempotent ingestion: reruns never duplicate rows
  - PostgreSQL (JSONB or hstore tags) and SQLite stores`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg.Verbose = verbose
		cfg.LogFile = logFile
		cfg.MetricsInterval = metricsInterval

		if logFile != "" {
			logger.InitWithFile(verbose, logFile)
		} else {
			logger.Init(verbose)
		}

		b, err := config.ParseBackend(backend)
		if err != nil {
			exitWithError("invalid backend", err)
		}
		cfg.Backend = b

		if err := cfg.Validate(); err != nil {
			exitWithError("invalid configuration", err)
		}
		if _, err := replication.ParseSource(cfg.ReplicationURL); err != nil {
			exitWithError("invalid configuration", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		runCleanups()
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", 0, "Interval for system metrics logging, 0 to disable (e.g., 10s, 1m)")

	// Store flags
	rootCmd.PersistentFlags().StringVar(&backend, "backend", string(cfg.Backend), "Store backend: postgres, sqlite or memory")
	rootCmd.PersistentFlags().StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file (sqlite backend)")
	rootCmd.PersistentFlags().BoolVar(&cfg.Hstore, "hstore", cfg.Hstore, "Store tags as hstore instead of JSONB (postgres backend)")

	// Database flags (persistent so they're available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
	rootCmd.PersistentFlags().IntVar(&cfg.DBMaxConns, "db-max-conns", cfg.DBMaxConns, "Maximum PostgreSQL connections")

	// Replication flags
	rootCmd.PersistentFlags().StringVar(&cfg.ReplicationURL, "replication-url", cfg.ReplicationURL, "Changeset replication directory, or \"planet\"")
	rootCmd.PersistentFlags().StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Keep downloaded increments in this directory")
	rootCmd.PersistentFlags().DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "HTTP timeout per request")
	rootCmd.PersistentFlags().IntVar(&cfg.FetchRetries, "fetch-retries", cfg.FetchRetries, "Retries for failed downloads")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	runCleanups()
	logger.Sync()
	exit(1)
}

// onExit registers fn to run when the command ends, including through
// exitWithError
func onExit(fn func()) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	cleanups = append(cleanups, fn)
}

func runCleanups() {
	cleanupMu.Lock()
	pending := cleanups
	cleanups = nil
	cleanupMu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i]()
	}
}

// openStore connects to the configured backend. The store is closed when
// the command ends.
func openStore(ctx context.Context) store.Gateway {
	gw, err := store.Open(ctx, cfg)
	if err != nil {
		exitWithError("failed to open store", err)
	}
	onExit(func() {
		if err := gw.Close(); err != nil {
			logger.Get().Warn("Failed to close store", zap.Error(err))
		}
	})
	return gw
}

// newFetcher builds the HTTP fetcher for the configured replication source
func newFetcher() *replication.HTTPFetcher {
	fetcher, err := replication.NewFetcherFromConfig(cfg)
	if err != nil {
		exitWithError("invalid replication source", err)
	}
	return fetcher
}

// runWithMetrics runs work and, when a metrics interval is set, a metrics
// collector beside it. The collector stops once work returns.
func runWithMetrics(ctx context.Context, track map[string]func() int64, work func(ctx context.Context) error) error {
	if cfg.MetricsInterval <= 0 {
		return work(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	collectorCtx, stopCollector := context.WithCancel(gctx)
	defer stopCollector()

	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Get())
	for name, fn := range track {
		collector.Track(name, fn)
	}

	g.Go(func() error {
		return collector.Start(collectorCtx)
	})
	g.Go(func() error {
		defer stopCollector()
		return work(gctx)
	})
	return g.Wait()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Get().Info("Received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
