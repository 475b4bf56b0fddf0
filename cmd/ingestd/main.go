package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/cellular-imaging/omero-ingest/internal/api"
	"github.com/cellular-imaging/omero-ingest/internal/config"
	"github.com/cellular-imaging/omero-ingest/internal/importer"
	"github.com/cellular-imaging/omero-ingest/internal/migrate"
	"github.com/cellular-imaging/omero-ingest/internal/omero"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
	"github.com/cellular-imaging/omero-ingest/internal/preprocess"
	"github.com/cellular-imaging/omero-ingest/internal/repository/postgres"
	"github.com/cellular-imaging/omero-ingest/internal/validate"
	"github.com/cellular-imaging/omero-ingest/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if sink, err := logger.OpenFileSink(cfg.LogFilePath); err != nil {
		logger.Warn("cannot open log file, staying on stderr", "path", cfg.LogFilePath, "error", err)
	} else {
		defer sink.Close()
	}

	logger.Info("starting ingestion service", "base_dir", cfg.BaseDir,
		"max_workers", cfg.MaxWorkers, "managed_root", cfg.ManagedRepoRoot)

	// Database connection
	db, err := sql.Open("postgres", cfg.IngestTrackingDB)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.MaxWorkers*2 + 4)
	db.SetMaxIdleConns(cfg.MaxWorkers)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	cancelPing()
	logger.Info("connected to tracking database")

	if cfg.RunMigrations {
		migCtx, cancelMig := context.WithTimeout(context.Background(), 2*time.Minute)
		err := migrate.Run(migCtx, db, migrate.Options{AllowAutoStamp: cfg.AllowAutoStamp})
		cancelMig()
		if err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	tracker := postgres.NewTracker(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fail anything left IMPORT_STARTED by a previous run, before any
	// worker can start.
	recovered, err := worker.RecoverDangling(ctx, tracker)
	if err != nil {
		logger.Error("dangling order recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered dangling orders", "count", recovered)
	}

	// Pipeline wiring
	gateway := omero.NewClient(cfg.OMERO, cfg.SessionTTL())
	cli := omero.NewImportCLI(cfg)
	logDir := filepath.Dir(cfg.LogFilePath)
	imp := importer.New(gateway, cli, cfg.ManagedRepoRoot, logDir)
	pre := preprocess.New(cfg.PodmanUsernsMode)
	pipeline := worker.NewPipeline(validate.New(gateway), pre, imp, tracker)

	pool := worker.NewPool(cfg.MaxWorkers, pipeline)
	pool.Start(ctx)

	poller := worker.NewPoller(tracker, pool, cfg.PollInterval())
	pollerDone := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(pollerDone)
	}()

	// Read-only status API
	if cfg.StatusAddr != "" {
		statusSrv := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: api.NewStatusServer(db, tracker, pool).Router(),
		}
		go func() {
			logger.Info("status API listening", "addr", cfg.StatusAddr)
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status API failed", "error", err)
			}
		}()
		defer statusSrv.Shutdown(context.Background())
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop claiming immediately; give in-flight workers the grace window.
	cancel()
	<-pollerDone
	if pool.Drain(cfg.ShutdownGrace()) {
		logger.Info("all workers finished, exiting")
	} else {
		logger.Warn("grace deadline passed, abandoned workers will fail as dangling on next start")
	}
}
