package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"depthflow/config"
	"depthflow/internal/api"
	"depthflow/internal/metrics"
	"depthflow/internal/pipeline"
	"depthflow/internal/query"
	"depthflow/logger"
	"depthflow/reader"
	"depthflow/writer"
)

const reportInterval = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
		"env":     config.AppEnvironment(),
		"symbols": cfg.Source.Binance.Symbols,
	}).Info("starting depthflow")

	if config.IsProductionLike(config.AppEnvironment()) && !cfg.Supervisor.Enabled {
		log.Warn("supervisor disabled; the first fatal error stops the process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Error("depthflow stopped with error")
		os.Exit(1)
	}
	log.Info("depthflow stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.GetLogger().WithComponent("main")

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.Region, cfg.Metrics.Namespace); err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		} else {
			defer metrics.DisableCloudWatch()
		}
	}
	if logger.ReportEnabled(cfg.Logging.Level) || metrics.CloudWatchEnabled() {
		metrics.StartReport(ctx, reportInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		repo := query.NewRepository(cfg.Storage.Influx)
		defer repo.Close()
		srv := api.NewServer(cfg.API, repo, cfg.Metrics.Prometheus)
		g.Go(func() error { return srv.Run(gctx) })
	} else if cfg.Metrics.Prometheus && cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Address) })
	}

	dial := func(ctx context.Context) (reader.Feed, error) {
		return reader.Open(ctx, cfg.Source.Binance)
	}
	newLoop := func() *pipeline.Loop {
		return pipeline.NewLoop(dial, newSink(cfg.Storage), cfg.Pipeline)
	}

	g.Go(func() error {
		defer cancel()
		if cfg.Supervisor.Enabled {
			return pipeline.NewSupervisor(cfg.Supervisor, newLoop).Run(gctx)
		}
		return newLoop().Run(gctx)
	})

	return g.Wait()
}

// newSink builds a fresh sink for one run; with the archive enabled every
// record goes to both stores.
func newSink(cfg config.StorageConfig) writer.Sink {
	influx := writer.NewInfluxSink(cfg.Influx)
	if !cfg.Archive.Enabled {
		return influx
	}
	return writer.NewTee(influx, writer.NewArchiveSink(cfg.Archive))
}
