package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	api "file-batch-ingester/internal/api"
	"file-batch-ingester/internal/cache"
	"file-batch-ingester/internal/config"
	"file-batch-ingester/internal/gate"
	"file-batch-ingester/internal/queue"
	"file-batch-ingester/internal/store"
	"file-batch-ingester/internal/telemetry"
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
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
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

	producer, err := queue.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}
	defer producer.Close()

	rdb := cache.NewClient(cfg)
	defer rdb.Close()

	deps := api.Deps{
		Files:       store.NewFileLog(db),
		Runs:        store.NewRuns(db),
		Publisher:   producer,
		DeadLetters: cache.NewDeadLetterJournal(rdb, cfg.DeadLetterJournalKey),
	}
	// Only a shared gate is visible from outside the ingester.
	if cfg.GateBackend == "redis" {
		deps.Gate = gate.NewRedis(rdb, cfg.GateKey, cfg.MaxConcurrentJobs, cfg.GateLeaseTTL)
	}

	server := api.New(cfg, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
