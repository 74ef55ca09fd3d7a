package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/exceptions/internal/agents"
	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/config"
	"example.com/exceptions/internal/observability"
	"example.com/exceptions/internal/persistence/postgres"
	"example.com/exceptions/internal/publisher"
	"example.com/exceptions/internal/ratelimit"
	"example.com/exceptions/internal/retry"
	"example.com/exceptions/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	observability.SetIncludeTenantID(cfg.MetricsIncludeTenantID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	events := postgres.NewEventStore(pool)
	ledger := postgres.NewProcessingLedger(pool)
	dlq := postgres.NewDeadLetterStore(pool)

	kafkaBroker, err := broker.NewKafkaBroker(broker.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Security: cfg.KafkaSecurity,
	})
	if err != nil {
		log.Fatalf("failed to build kafka broker: %v", err)
	}

	pubOpts := []publisher.Option{publisher.WithTopicStrategy(cfg.TopicStrategy)}
	if cfg.RateLimitEnabled {
		pubOpts = append(pubOpts, publisher.WithRateLimiter(ratelimit.NewTenantLimiter(cfg.RateLimit)))
	}
	pub := publisher.New(events, kafkaBroker, pubOpts...)

	scheduler := retry.NewScheduler(ledger, dlq, retry.NewRegistry(), pub)

	handler, err := agents.ForType(cfg.WorkerType, pub)
	if err != nil {
		log.Fatalf("failed to mount handler: %v", err)
	}

	w := worker.New(worker.Config{
		WorkerType:        cfg.WorkerType,
		Topics:            cfg.Topics,
		GroupID:           cfg.GroupID,
		Concurrency:       cfg.Concurrency,
		AllowFutureSchema: cfg.AllowFutureSchema,
		ExpectedTenant:    cfg.ExpectedTenantID,
		TopicStrategy:     cfg.TopicStrategy,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, kafkaBroker, ledger, scheduler, handler)

	healthSrv, err := worker.NewHealthServer(cfg.WorkerType, w.State(), kafkaBroker)
	if err != nil {
		log.Fatalf("failed to build health server: %v", err)
	}
	go func() {
		log.Printf("health server listening on %s", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- w.Run(ctx)
	}()

	select {
	case <-stop:
		log.Println("worker shutdown requested")
		cancel()
		if err := <-runErr; err != nil {
			log.Printf("worker stopped with error: %v", err)
		}
	case err := <-runErr:
		if err != nil {
			log.Fatalf("worker stopped with error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown error: %v", err)
	}
}
