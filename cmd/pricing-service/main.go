/**
 * @description
 * This is the main entry point for the pricing service. It is a consumer-only
 * process: it maintains a route projection from trip.requested events,
 * computes the fare when a trip completes, and relays fare.calculated events
 * through its own outbox dispatcher.
 */

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swiftride/trip-platform/internal/config"
	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/outbox"
	"github.com/swiftride/trip-platform/internal/pricing"
	"github.com/swiftride/trip-platform/internal/store"
	"github.com/swiftride/trip-platform/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("level=info component=bootstrap msg=\"starting pricing-service\"")

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer consumer.Close()

	repo := pricing.NewPostgresRepository(dbpool)
	calculator := pricing.NewCalculator(cfg.FareCurrency, cfg.FareBase, cfg.FareRatePerKm, cfg.FareMinimum)
	handler := pricing.NewHandler(repo, calculator)

	bindings := map[string]func([]byte) bool{
		domain.EventTripRequested: handler.HandleTripRequested,
		domain.EventTripCompleted: handler.HandleTripCompleted,
	}
	if err := consumer.ConsumeWithBindings(domain.EventsExchange, cfg.PricingEventQueue, bindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"consumer start failed\" err=%v", err)
	}

	dispatcher := outbox.NewDispatcher(store.NewPostgresOutboxRepository(dbpool), producer,
		outbox.WithPollInterval(cfg.OutboxPollInterval()),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
	)
	go dispatcher.Run(ctx)

	log.Println("level=info component=bootstrap msg=\"pricing-service running\"")
	<-ctx.Done()
	log.Println("level=info component=bootstrap msg=\"shutting down pricing-service\"")
}
