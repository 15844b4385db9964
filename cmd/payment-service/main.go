/**
 * @description
 * This is the main entry point for the payment service. It consumes
 * fare.calculated events, captures the fare through the payment gateway
 * exactly once per trip, and relays payment.processed or payment.failed
 * events through its own outbox dispatcher.
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
	"github.com/swiftride/trip-platform/internal/payment"
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

	log.Println("level=info component=bootstrap msg=\"starting payment-service\"")

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

	repo := payment.NewPostgresRepository(dbpool)
	handler := payment.NewHandler(repo, payment.ReferenceGateway{})

	bindings := map[string]func([]byte) bool{
		domain.EventFareCalculated: handler.HandleFareCalculated,
	}
	if err := consumer.ConsumeWithBindings(domain.EventsExchange, cfg.PaymentEventQueue, bindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"consumer start failed\" err=%v", err)
	}

	dispatcher := outbox.NewDispatcher(store.NewPostgresOutboxRepository(dbpool), producer,
		outbox.WithPollInterval(cfg.OutboxPollInterval()),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
	)
	go dispatcher.Run(ctx)

	log.Println("level=info component=bootstrap msg=\"payment-service running\"")
	<-ctx.Done()
	log.Println("level=info component=bootstrap msg=\"shutting down payment-service\"")
}
