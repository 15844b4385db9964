/**
 * @description
 * This is the main entry point for the trip-orchestration service. It wires
 * configuration, the PostgreSQL pool, the Redis-backed geo index, the
 * RabbitMQ producer/consumer, the matching engine, the outbox dispatcher, the
 * housekeeping cron, and the HTTP API, then runs until a termination signal.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/swiftride/trip-platform/internal/api"
	"github.com/swiftride/trip-platform/internal/app"
	"github.com/swiftride/trip-platform/internal/config"
	"github.com/swiftride/trip-platform/internal/domain"
	"github.com/swiftride/trip-platform/internal/match"
	"github.com/swiftride/trip-platform/internal/outbox"
	"github.com/swiftride/trip-platform/internal/store"
	"github.com/swiftride/trip-platform/pkg/geoindex"
	"github.com/swiftride/trip-platform/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("level=info component=bootstrap msg=\"starting trip-service\" port=%s", cfg.ServerPort)

	dbpool := mustConnectDB(ctx, cfg.DatabaseURL)
	defer dbpool.Close()

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
	}
	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq producer init failed\" err=%v", err)
	}
	defer producer.Close()

	tripRepo := store.NewPostgresTripRepository(dbpool)
	offerRepo := store.NewPostgresOfferRepository(dbpool)
	outboxRepo := store.NewPostgresOutboxRepository(dbpool)
	geoIndex := geoindex.NewRedisIndex(redisClient, cfg.DriverStaleness())

	policy := match.Policy{OfferTTL: cfg.OfferTTL()}
	for _, radius := range cfg.MatchRadiiM {
		policy.Rounds = append(policy.Rounds, match.Round{RadiusM: radius, MaxCandidates: cfg.MatchMaxCandidates})
	}
	engine := match.NewEngine(tripRepo, offerRepo, geoIndex, app.NewBrokerOfferNotifier(producer), policy)

	service := app.NewService(ctx, tripRepo, offerRepo, engine)
	reactions := app.NewSagaReactions(tripRepo)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer consumer.Close()

	bindings := map[string]func([]byte) bool{
		domain.EventFareCalculated:  reactions.HandleFareCalculated,
		domain.EventEarningsUpdated: reactions.HandleEarningsUpdated,
		domain.EventPaymentFailed:   reactions.HandlePaymentFailed,
	}
	if err := consumer.ConsumeWithBindings(domain.EventsExchange, cfg.TripEventQueue, bindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"saga consumer start failed\" err=%v", err)
	}

	dispatcher := outbox.NewDispatcher(outboxRepo, producer,
		outbox.WithPollInterval(cfg.OutboxPollInterval()),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
	)
	go dispatcher.Run(ctx)

	housekeeping := startHousekeeping(ctx, cfg, offerRepo, geoIndex)
	defer housekeeping.Stop()

	router := api.NewRouter(api.NewTripHandlers(service, geoIndex, outboxRepo), cfg.InternalAPIKey)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server failed\" err=%v", err)
		}
	}()

	<-ctx.Done()
	log.Println("level=info component=bootstrap msg=\"shutting down trip-service\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
}

func mustConnectDB(ctx context.Context, databaseURL string) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return dbpool
}

// startHousekeeping schedules the offer sweep and the stale driver reap.
func startHousekeeping(ctx context.Context, cfg config.Config, offers store.OfferRepository, geoIndex *geoindex.RedisIndex) *cron.Cron {
	c := cron.New()

	if _, err := c.AddFunc(cfg.OfferSweepSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if n, err := offers.SweepExpired(jobCtx); err != nil {
			log.Printf("level=error component=housekeeping msg=\"offer sweep failed\" err=%v", err)
		} else if n > 0 {
			log.Printf("level=info component=housekeeping msg=\"expired stale offers\" count=%d", n)
		}
	}); err != nil {
		log.Printf("level=error component=housekeeping msg=\"offer sweep scheduling failed\" err=%v", err)
	}

	if _, err := c.AddFunc(cfg.StaleDriverSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if n, err := geoIndex.ReapStale(jobCtx); err != nil {
			log.Printf("level=error component=housekeeping msg=\"stale driver reap failed\" err=%v", err)
		} else if n > 0 {
			log.Printf("level=info component=housekeeping msg=\"reaped stale driver positions\" count=%d", n)
		}
	}); err != nil {
		log.Printf("level=error component=housekeeping msg=\"stale driver reap scheduling failed\" err=%v", err)
	}

	c.Start()
	return c
}
