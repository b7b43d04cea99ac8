package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/IdanHaim/ravendb/internal/adminapi"
	"github.com/IdanHaim/ravendb/internal/alerts"
	"github.com/IdanHaim/ravendb/internal/docstore"
	"github.com/IdanHaim/ravendb/internal/metrics"
	"github.com/IdanHaim/ravendb/internal/prefetch"
	"github.com/IdanHaim/ravendb/internal/replication"
	"github.com/IdanHaim/ravendb/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	adminAddr    string
	dbDriver     string
	dbDSN        string
	databaseID   string
	localURL     string
	webhookURL   string
	webhookKey   string
	logLevel     string
	statsPush    time.Duration
	metricsScrape time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ravendb-replicator",
		Short: "Outbound document/attachment replication worker",
		Long: `ravendb-replicator runs the control loop that discovers configured
replication destinations, pushes newly written documents and attachments to
each one, and exposes a read-only operator API for inspecting progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("REPLICATOR_ADMIN_ADDR", ":8090"), "Admin/observability API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("REPLICATOR_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("REPLICATOR_DB_DSN", "./replicator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.databaseID, "database-id", envOrDefault("REPLICATOR_DATABASE_ID", ""), "This node's local database id (must match the Source field of the destinations document)")
	root.PersistentFlags().StringVar(&cfg.localURL, "local-url", envOrDefault("REPLICATOR_LOCAL_URL", ""), "This node's own externally-reachable URL, sent as the from query parameter on every peer call")
	root.PersistentFlags().StringVar(&cfg.webhookURL, "alert-webhook-url", envOrDefault("REPLICATOR_ALERT_WEBHOOK_URL", ""), "Webhook URL for misconfiguration alerts (empty disables delivery)")
	root.PersistentFlags().StringVar(&cfg.webhookKey, "alert-webhook-secret", envOrDefault("REPLICATOR_ALERT_WEBHOOK_SECRET", ""), "HMAC-SHA256 secret for signing alert webhook payloads")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("REPLICATOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.statsPush, "stats-push-interval", 5*time.Second, "Interval between stats broadcasts to connected dashboard clients")
	root.PersistentFlags().DurationVar(&cfg.metricsScrape, "metrics-sample-interval", 15*time.Second, "Interval between Prometheus gauge samples")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ravendb-replicator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.databaseID == "" {
		return fmt.Errorf("local database id is required — set --database-id or REPLICATOR_DATABASE_ID")
	}

	logger.Info("starting ravendb-replicator",
		zap.String("version", version),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("database_id", cfg.databaseID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := docstore.Open(docstore.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store, err := docstore.New(gormDB, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	// --- 2. Collaborators ---
	alertSink := alerts.New(cfg.webhookURL, cfg.webhookKey, logger)
	httpTransport := transport.New(15*time.Second, logger)
	peerClient := replication.NewPeerClient(httpTransport, cfg.localURL, cfg.databaseID, logger)
	ledger := replication.NewFailureLedger(store, nil, logger)
	statsRecorder := replication.NewStatsRecorder(ledger, nil)
	workSignal := replication.NewWorkSignal()
	heartbeats := replication.NewHeartbeatTable(ledger, workSignal, nil)
	resolver := replication.NewDestinationResolver(store, alertSink, cfg.databaseID, logger)
	assembler := replication.NewBatchAssembler(store)

	controller, err := replication.NewReplicationController(replication.ControllerDeps{
		Store:    store,
		Resolver: resolver,
		Peer:     peerClient,
		Ledger:   ledger,
		Work:     workSignal,
		Logger:   logger,
		NewPrefetcher: func(url string) replication.Prefetcher {
			return prefetch.New(store, url)
		},
		NewWorker: func() *replication.DestinationWorker {
			return replication.NewDestinationWorker(store, peerClient, assembler, ledger, statsRecorder, nil, logger)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create replication controller: %w", err)
	}

	// --- 3. Metrics ---
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	go collector.Run(ctx, ledger, cfg.metricsScrape, nil)

	// --- 4. Admin API ---
	hub := adminapi.NewHub()
	go hub.Run(ctx)
	go adminapi.StatsPusher(hub, ledger, cfg.statsPush, ctx.Done())

	mux := http.NewServeMux()
	mux.Handle("/", adminapi.NewRouter(adminapi.RouterConfig{
		Ledger:     ledger,
		Heartbeats: heartbeats,
		Hub:        hub,
		Logger:     logger,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	adminSrv := &http.Server{
		Addr:         cfg.adminAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin api listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 5. Replication control loop ---
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("replication controller stopped with error", zap.Error(err))
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down ravendb-replicator")

	controller.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api graceful shutdown error", zap.Error(err))
	}

	logger.Info("ravendb-replicator stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
