package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/cache"
	"file-batch-ingester/internal/config"
	"file-batch-ingester/internal/gate"
	"file-batch-ingester/internal/idempotency"
	"file-batch-ingester/internal/job"
	"file-batch-ingester/internal/queue"
	"file-batch-ingester/internal/source"
	"file-batch-ingester/internal/store"
	"file-batch-ingester/internal/telemetry"
	"file-batch-ingester/internal/trigger"
	"file-batch-ingester/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := telemetry.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	db, err := store.New(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	fileLog := store.NewFileLog(db)
	checkpoints := store.NewCheckpoints(db)
	runs := store.NewRuns(db)

	rdb := cache.NewClient(cfg)
	defer rdb.Close()
	tracker := idempotency.NewTracker(fileLog, cache.NewCompleted(rdb, cfg.CompletedCacheTTL))

	var slots gate.Gate = gate.NewLocal(cfg.MaxConcurrentJobs)
	if cfg.GateBackend == "redis" {
		slots = gate.NewRedis(rdb, cfg.GateKey, cfg.MaxConcurrentJobs, cfg.GateLeaseTTL)
	}

	if cfg.StaleProcessingAfter > 0 {
		ids, err := fileLog.FailStale(ctx, time.Now().Add(-cfg.StaleProcessingAfter), "processing abandoned, reclaimed on start-up")
		if err != nil {
			log.WithError(err).Warn("could not reclaim stale files")
		} else if len(ids) > 0 {
			log.WithField("files", ids).Warn("reclaimed files stuck in PROCESSING")
		}
	}

	topics, err := queue.NewTopicManager(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("kafka admin: %v", err)
	}
	if _, err := topics.EnsureTopics(ctx, cfg.TopicPartitions, cfg.TopicReplicationFactor, cfg.TriggerTopic, cfg.DLQTopic); err != nil {
		log.WithError(err).Warn("could not ensure topics")
	}
	topics.Close()

	pool := worker.NewPool(cfg.PoolCore, cfg.PoolMax, cfg.PoolQueue)
	engine := worker.NewEngine(store.NewRecordWriter(db), telemetry.NewRecorder(), worker.Policy{
		ChunkSize:    cfg.ChunkSize,
		SkipLimit:    cfg.SkipLimit,
		RetryLimit:   cfg.RetryLimit,
		RetryBackoff: cfg.RetryBackoff,
	})

	// Runs outlive ctx so a shutdown lets them drain; runCtx is cancelled only once the grace
	// period is over.
	runCtx, abortRuns := context.WithCancel(context.Background())
	defer abortRuns()
	launcher := job.NewLauncher(runCtx, cfg.GridSize, job.LauncherDeps{
		Resolver:    source.NewResolver(cfg),
		Runner:      engine,
		Pool:        pool,
		Runs:        runs,
		Checkpoints: checkpoints,
		Coordinator: job.NewCoordinator(tracker, runs, checkpoints, cfg.ErrorMessageMax),
	})

	dlqProducer, err := queue.NewPartitionedProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}
	defer dlqProducer.Close()

	router := trigger.NewRouter(
		trigger.NewConsumer(tracker, slots, launcher),
		dlqProducer,
		cache.NewDeadLetterJournal(rdb, cfg.DeadLetterJournalKey),
		cfg.DLQTopic,
		trigger.Backoff{
			Initial:    cfg.DLQBackoffInitial,
			Multiplier: cfg.DLQBackoffMultiplier,
			Max:        cfg.DLQBackoffMax,
			Retries:    uint(cfg.DLQMaxRetries),
		},
	)

	consumer, err := queue.NewConsumer(cfg)
	if err != nil {
		log.Fatalf("kafka consumer: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	log.WithFields(log.Fields{
		"topic":    cfg.TriggerTopic,
		"maxJobs":  cfg.MaxConcurrentJobs,
		"gate":     cfg.GateBackend,
		"gridSize": cfg.GridSize,
	}).Info("ingester started")
	if err := consumer.Run(ctx, router); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("consumer stopped")
	}
	consumer.Close()

	log.WithField("grace", cfg.ShutdownGrace.String()).Info("waiting for running jobs")
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelGrace()
	if err := launcher.Close(graceCtx); err != nil {
		log.WithError(err).Warn("grace period over, aborting running jobs")
		abortRuns()
		finalCtx, cancelFinal := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelFinal()
		if err := launcher.Close(finalCtx); err != nil {
			log.WithError(err).Error("jobs were not finalized")
		}
	}
	poolCtx, cancelPool := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPool()
	if err := pool.Shutdown(poolCtx); err != nil {
		log.WithError(err).Warn("worker pool did not stop")
	}
	log.Info("ingester stopped")
}
