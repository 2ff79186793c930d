package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bus-bunching/internal/api"
	"github.com/bus-bunching/internal/common/config"
	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/common/discord"
	"github.com/bus-bunching/internal/common/logger"
	"github.com/bus-bunching/internal/common/maintenance"
	"github.com/bus-bunching/internal/headway"
	"github.com/bus-bunching/internal/metrics"
	"github.com/bus-bunching/internal/pipeline"
	"github.com/bus-bunching/internal/publisher"
	"github.com/bus-bunching/internal/storage"
	"github.com/bus-bunching/internal/vehicles/fetcher"
)

func main() {
	once := flag.Bool("once", false, "run a single pipeline cycle and exit")
	syncSite := flag.Bool("sync-site", false, "copy the latest tables to the site data directory after each cycle")
	flag.Parse()

	// A missing .env file is fine; the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	if *syncSite {
		cfg.Pipeline.SyncSite = true
	}

	writers := []io.Writer{logger.ConsoleWriter()}
	if cfg.Logging.FilePath != "" {
		writers = append(writers, logger.FileWriter(cfg.Logging.FilePath))
	}
	log := logger.New(logger.ParseLogLevel(cfg.Logging.Level), writers...)

	alerts := discord.NewClient(cfg.Logging.DiscordWebhook)
	if alerts != nil {
		log = logger.WithDiscord(log, alerts)
	}

	log.Info("Bus bunching service starting",
		"version", "1.0.0",
		"log_level", cfg.Logging.Level,
		"feed_format", cfg.MBTA.FeedFormat,
		"routes", fetcher.RoutesLabel(cfg.MBTA.Routes),
		"data_dir", cfg.Pipeline.DataDir,
		"expected_source", cfg.Headway.ExpectedSource,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector()
	tiers := storage.NewTiers(cfg.Pipeline.DataDir)
	if err := tiers.Ensure(); err != nil {
		log.Fatal("Failed to create data directories", "error", err)
	}

	var opts []pipeline.Option
	opts = append(opts, pipeline.WithRecorder(collector))

	var database *db.DB
	if cfg.Database.Enabled() {
		database, err = db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()

		if err := database.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to prepare score history table", "error", err)
		}
		opts = append(opts, pipeline.WithScoreStore(database))
	} else {
		log.Info("Score history disabled (no database host configured)")
	}

	if cfg.NATS.Enabled() {
		pub, err := publisher.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log, collector)
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithPublisher(pub))
	}

	if alerts != nil {
		opts = append(opts, pipeline.WithAlerter(alerts))
	}

	refs := headway.NewReferenceStore(log)
	if cfg.Headway.ExpectedSource == string(headway.ExpectedReference) && cfg.Headway.ReferencePath != "" {
		if err := refs.Load(cfg.Headway.ReferencePath); err != nil {
			log.Warn("Expected headway reference not loaded, using default", "error", err)
		}
	}
	base := headway.Options{
		ExpectedSource:     headway.ExpectedSource(cfg.Headway.ExpectedSource),
		DefaultExpectedMin: cfg.Headway.DefaultExpectedMin,
		Period:             cfg.Headway.Period,
	}
	opts = append(opts, pipeline.WithHeadwayOptions(func() headway.Options { return refs.Options(base) }))

	cleanup := maintenance.NewCleanupScheduler(database, log, maintenance.SchedulerConfig{
		CleanupInterval:    cfg.Maintenance.CleanupInterval,
		ScoreRetentionDays: cfg.Maintenance.ScoreRetentionDays,
		Tiers:              pruneTiers(cfg, tiers),
		InitialDelay:       maintenance.DefaultSchedulerConfig().InitialDelay,
	})
	opts = append(opts, pipeline.WithGuard(cleanup))

	client := fetcher.NewClient(fetcher.Config{
		BaseURL:   cfg.MBTA.BaseURL,
		APIKey:    cfg.MBTA.APIKey,
		RouteType: cfg.MBTA.RouteType,
		Timeout:   cfg.MBTA.Timeout,
		GTFSRTURL: cfg.MBTA.GTFSRTURL,
	}, log)

	pipeCfg := pipeline.Config{
		DataDir:       cfg.Pipeline.DataDir,
		FeedFormat:    cfg.MBTA.FeedFormat,
		Routes:        cfg.MBTA.Routes,
		ArchiveBronze: cfg.Pipeline.ArchiveBronze,
		Retries:       cfg.Pipeline.Retries,
		RetryDelay:    cfg.Pipeline.RetryDelay,
	}
	if cfg.Pipeline.SyncSite {
		pipeCfg.SiteDataDir = cfg.Pipeline.SiteDataDir
	}
	p := pipeline.New(pipeCfg, client, log, opts...)

	if *once {
		if _, err := p.RunCycle(ctx); err != nil {
			log.Error("Pipeline cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	var wg sync.WaitGroup

	if cfg.Headway.WatchReference && cfg.Headway.ReferencePath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := refs.Watch(ctx, cfg.Headway.ReferencePath); err != nil {
				log.Error("Expected headway watcher stopped", "error", err)
			}
		}()
	}

	scheduler := pipeline.NewScheduler(p, cfg.Pipeline.Interval, cfg.Pipeline.RunOnStart, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start pipeline scheduler", "error", err)
	}

	if err := cleanup.Start(ctx); err != nil {
		log.Error("Failed to start cleanup scheduler", "error", err)
	}

	apiOpts := []api.Option{
		api.WithStatus(scheduler),
		api.WithMetricsHandler(collector.Handler()),
	}
	if database != nil {
		apiOpts = append(apiOpts, api.WithHistory(database))
	}
	server := api.New(api.Config{Addr: cfg.API.Addr, SiteDir: cfg.API.SiteDir}, tiers, log, apiOpts...)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.Error("API server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	scheduler.Stop()
	cleanup.Stop()
	wg.Wait()

	log.Info("Bus bunching service stopped")
}

// pruneTiers bounds the bronze tier when raw snapshots are archived.
func pruneTiers(cfg *config.Config, tiers storage.Tiers) []maintenance.TierPrune {
	if !cfg.Pipeline.ArchiveBronze || cfg.Maintenance.BronzeKeep <= 0 {
		return nil
	}
	return []maintenance.TierPrune{
		{Dir: tiers.Bronze, Pattern: "*.json", Keep: cfg.Maintenance.BronzeKeep},
		{Dir: tiers.Bronze, Pattern: "*.pb", Keep: cfg.Maintenance.BronzeKeep},
	}
}
