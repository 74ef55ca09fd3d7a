package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/exceptions/internal/api"
	"example.com/exceptions/internal/auth"
	"example.com/exceptions/internal/broker"
	"example.com/exceptions/internal/config"
	"example.com/exceptions/internal/observability"
	"example.com/exceptions/internal/persistence/postgres"
	"example.com/exceptions/internal/publisher"
	"example.com/exceptions/internal/ratelimit"
	httptransport "example.com/exceptions/internal/transport/http"
)

func main() {
	cfg := config.Load()

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
	dlq := postgres.NewDeadLetterStore(pool)

	kafkaBroker, err := broker.NewKafkaBroker(broker.KafkaConfig{
		Brokers:  cfg.KafkaBrokers,
		Security: cfg.KafkaSecurity,
	})
	if err != nil {
		log.Fatalf("failed to build kafka broker: %v", err)
	}
	defer kafkaBroker.Close()

	pubOpts := []publisher.Option{publisher.WithTopicStrategy(cfg.TopicStrategy)}
	if cfg.RateLimitEnabled {
		pubOpts = append(pubOpts, publisher.WithRateLimiter(ratelimit.NewTenantLimiter(cfg.RateLimit)))
	}
	pub := publisher.New(events, kafkaBroker, pubOpts...)

	handler := api.NewHandler(pub, events, dlq)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("exceptions api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
