package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketrecorder/config"
	"marketrecorder/internal/archive"
	"marketrecorder/internal/dashboard"
	"marketrecorder/internal/ingest"
	"marketrecorder/internal/metrics"
	"marketrecorder/internal/storage"
	"marketrecorder/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": env,
	}).Info("starting market recorder")

	if config.IsProductionLike(env) && cfg.Database.Driver == "memory" {
		log.WithField("environment", env).Error("the memory store is not allowed outside development")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var publish logger.ReportPublisher
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		publish = metrics.PublishReport
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval, publish)

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}()

	var sink storage.Sink = store
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		client, err := archive.NewS3Client(ctx, cfg.Archive.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			return 1
		}
		archiver, err = archive.New(client, archive.Options{
			Bucket:        cfg.Archive.S3.Bucket,
			Prefix:        cfg.Archive.Prefix,
			FlushInterval: cfg.Archive.FlushInterval,
			MaxBufferSize: cfg.Archive.MaxBufferSize,
		})
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			return 1
		}
		archiver.Start(ctx)
		sink = archiver.Wrap(store)
	}

	orchestrator := ingest.New(cfg, sink)

	var wg sync.WaitGroup
	dash, err := dashboard.NewServer(cfg.Dashboard, log, orchestrator)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		return 1
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.App.Name); err != nil {
				log.WithError(err).WithField("address", dash.Address()).Error("dashboard stopped")
			}
		}()
	}

	exitCode := 0
	if err = orchestrator.Run(ctx); err != nil {
		log.WithError(err).Error("ingestion failed")
		exitCode = 1
		if errors.Is(err, ingest.ErrNothingToRecord) {
			exitCode = 2
		}
		stop()
	}

	log.Info("shutting down")
	shutdownTimeout := cfg.App.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if archiver != nil {
			archiver.Stop(shutdownCtx)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("market recorder stopped")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out")
	}
	return exitCode
}
