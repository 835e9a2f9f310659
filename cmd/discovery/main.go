// Package main wires together the discovery service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/api"
	archivegcs "github.com/jobtrail/discovery/internal/archive/gcs"
	"github.com/jobtrail/discovery/internal/clock/system"
	"github.com/jobtrail/discovery/internal/config"
	"github.com/jobtrail/discovery/internal/dedup"
	collyfetcher "github.com/jobtrail/discovery/internal/fetcher/colly"
	"github.com/jobtrail/discovery/internal/fetcher/headless"
	"github.com/jobtrail/discovery/internal/fetcher/headless/detector"
	"github.com/jobtrail/discovery/internal/hash/sha256"
	"github.com/jobtrail/discovery/internal/id/uuid"
	"github.com/jobtrail/discovery/internal/invalidate"
	"github.com/jobtrail/discovery/internal/logging"
	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	memorypublisher "github.com/jobtrail/discovery/internal/publisher/memory"
	pubsubpublisher "github.com/jobtrail/discovery/internal/publisher/pubsub"
	queuememory "github.com/jobtrail/discovery/internal/queue/memory"
	queueredis "github.com/jobtrail/discovery/internal/queue/redis"
	"github.com/jobtrail/discovery/internal/retry"
	"github.com/jobtrail/discovery/internal/scheduler"
	storememory "github.com/jobtrail/discovery/internal/store/memory"
	storepostgres "github.com/jobtrail/discovery/internal/store/postgres"
	"github.com/jobtrail/discovery/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runs, postings, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	crawlQueue, validateQueue, err := buildQueues(cfg)
	if err != nil {
		logger.Fatal("queue init failed", zap.Error(err))
	}
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	clk := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	retryPolicy := retry.NewPolicy(
		cfg.Fetch.MaxRetries,
		time.Duration(cfg.Fetch.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Fetch.BackoffMaxMs)*time.Millisecond,
	)

	var renderer collyfetcher.Renderer
	if cfg.Headless.Enabled {
		chrome, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless renderer init failed", zap.Error(err))
		} else {
			renderer = chrome
			defer chrome.Close()
		}
	}

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
		Retry:     retryPolicy,
	}, postings, renderer, detector.NewHeuristic(cfg.Headless.PromotionThresh), logger.Named("fetcher"))
	if err != nil {
		logger.Fatal("fetcher init failed", zap.Error(err))
	}
	fetcher.SetArchive(archive)

	engine := dedup.New(postings, hasher, idGen, clk, logger.Named("dedup"))
	invalidator := invalidate.New(postings, clk, logger.Named("invalidate"))

	recurring := make([]scheduler.RecurringEntry, 0, len(cfg.Recurring))
	for _, spec := range cfg.Recurring {
		recurring = append(recurring, scheduler.RecurringEntry{
			Cron:             spec.Cron,
			ValidateExisting: spec.ValidateExisting,
		})
	}
	sched := scheduler.New(scheduler.Options{
		Runs:           runs,
		CrawlQueue:     crawlQueue,
		ValidateQueue:  validateQueue,
		Publisher:      publisher,
		IDGen:          idGen,
		Clock:          clk,
		Logger:         logger.Named("scheduler"),
		DefaultQueries: cfg.Crawl.DefaultQueries,
		Topic:          cfg.PubSub.TopicName,
		Recurring:      recurring,
	})
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}
	defer sched.Stop()

	workerCfg := worker.Config{
		Lease:     cfg.Lease(),
		Heartbeat: cfg.Heartbeat(),
		Topic:     cfg.PubSub.TopicName,
	}
	newWorker := func(id string, kind pipeline.RunKind, queue pipeline.Queue) *worker.Worker {
		return worker.New(worker.Options{
			ID:          id,
			Kind:        kind,
			Queue:       queue,
			Runs:        runs,
			Postings:    postings,
			Engine:      engine,
			Invalidator: invalidator,
			Fetcher:     fetcher,
			Publisher:   publisher,
			Retry:       retryPolicy,
			Clock:       clk,
			Config:      workerCfg,
			Logger:      logger.Named("worker"),
		})
	}

	var workers []*worker.Worker
	for i := 0; i < cfg.Workers.CrawlConcurrency; i++ {
		workers = append(workers, newWorker(fmt.Sprintf("crawl-%d", i), pipeline.KindCrawl, crawlQueue))
	}
	for i := 0; i < cfg.Workers.ValidateConcurrency; i++ {
		workers = append(workers, newWorker(fmt.Sprintf("validate-%d", i), pipeline.KindValidate, validateQueue))
	}
	pool := worker.NewPool(workers)

	queueDepths := map[pipeline.RunKind]worker.DepthReporter{}
	if d, ok := crawlQueue.(worker.DepthReporter); ok {
		queueDepths[pipeline.KindCrawl] = d
	}
	if d, ok := validateQueue.(worker.DepthReporter); ok {
		queueDepths[pipeline.KindValidate] = d
	}
	reaper := worker.NewReaper(runs, map[pipeline.RunKind]*worker.Worker{
		pipeline.KindCrawl:    newWorker("reaper-crawl", pipeline.KindCrawl, crawlQueue),
		pipeline.KindValidate: newWorker("reaper-validate", pipeline.KindValidate, validateQueue),
	}, queueDepths, clk, cfg.ReapInterval(), cfg.Lease(), logger.Named("reaper"))

	apiServer := api.NewServer(sched, runs, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("worker pool started", zap.Int("workers", len(workers)))
		pool.Run(ctx)
	}()
	go func() {
		logger.Info("reaper started", zap.Duration("interval", cfg.ReapInterval()))
		reaper.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config) (pipeline.RunStore, pipeline.PostingStore, error) {
	if cfg.DB.DSN == "" {
		return storememory.NewRunStore(), storememory.NewPostingStore(), nil
	}
	pool, err := storepostgres.NewPool(ctx, storepostgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	return storepostgres.NewRunStore(pool), storepostgres.NewPostingStore(pool), nil
}

func buildQueues(cfg config.Config) (pipeline.Queue, pipeline.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		crawl, err := queueredis.New(cfg.Queue.RedisURL, "discovery:crawl")
		if err != nil {
			return nil, nil, fmt.Errorf("redis crawl queue: %w", err)
		}
		validate, err := queueredis.New(cfg.Queue.RedisURL, "discovery:validate")
		if err != nil {
			return nil, nil, fmt.Errorf("redis validate queue: %w", err)
		}
		return crawl, validate, nil
	default:
		return queuememory.NewQueue(cfg.Queue.Depth), queuememory.NewQueue(cfg.Queue.Depth), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (pipeline.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return pubsubpublisher.New(client), nil
}

// buildArchive returns nil when archival is disabled; the fetcher treats a
// nil store as "do not snapshot".
func buildArchive(ctx context.Context, cfg config.Config) (pipeline.BlobStore, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return archivegcs.New(client, archivegcs.Config{
		Bucket: cfg.Archive.GCSBucket,
		Prefix: cfg.Archive.Prefix,
	})
}
