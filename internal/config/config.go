/**
 * @description
 * This package handles configuration for every service in the platform. It
 * uses the Viper library to read environment variables (plus an optional .env
 * file), providing a centralized and straightforward way to manage settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration variables for the platform services. These
// values are loaded from environment variables.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	// Matching policy.
	MatchRadiiM        []float64 `mapstructure:"-"`
	MatchRadiiRaw      string    `mapstructure:"MATCH_RADII_M"`
	MatchMaxCandidates int       `mapstructure:"MATCH_MAX_CANDIDATES"`
	OfferTTLSeconds    int       `mapstructure:"OFFER_TTL_SECONDS"`

	// Geo index.
	DriverStalenessSeconds int `mapstructure:"DRIVER_STALENESS_SECONDS"`

	// Outbox relay.
	OutboxPollIntervalMs int `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize      int `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts    int `mapstructure:"OUTBOX_MAX_ATTEMPTS"`

	// Housekeeping cron schedules.
	OfferSweepSchedule  string `mapstructure:"OFFER_SWEEP_SCHEDULE"`
	StaleDriverSchedule string `mapstructure:"STALE_DRIVER_SCHEDULE"`

	// Pricing (minor currency units).
	FareCurrency  string `mapstructure:"FARE_CURRENCY"`
	FareBase      int64  `mapstructure:"FARE_BASE"`
	FareRatePerKm int64  `mapstructure:"FARE_RATE_PER_KM"`
	FareMinimum   int64  `mapstructure:"FARE_MINIMUM"`

	// Earnings.
	DriverSharePercent float64 `mapstructure:"DRIVER_SHARE_PERCENT"`

	// Consumer queue names (one durable queue per service).
	TripEventQueue     string `mapstructure:"TRIP_EVENT_QUEUE"`
	PricingEventQueue  string `mapstructure:"PRICING_EVENT_QUEUE"`
	PaymentEventQueue  string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	EarningsEventQueue string `mapstructure:"EARNINGS_EVENT_QUEUE"`
}

// OfferTTL returns the offer expiry as a duration.
func (c Config) OfferTTL() time.Duration {
	return time.Duration(c.OfferTTLSeconds) * time.Second
}

// DriverStaleness returns the position staleness window as a duration.
func (c Config) DriverStaleness() time.Duration {
	return time.Duration(c.DriverStalenessSeconds) * time.Second
}

// OutboxPollInterval returns the relay drain interval as a duration.
func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("MATCH_RADII_M", "2000,5000")
	viper.SetDefault("MATCH_MAX_CANDIDATES", 5)
	viper.SetDefault("OFFER_TTL_SECONDS", 15)
	viper.SetDefault("DRIVER_STALENESS_SECONDS", 300)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1000)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	viper.SetDefault("OFFER_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("STALE_DRIVER_SCHEDULE", "@every 5m")
	viper.SetDefault("FARE_CURRENCY", "USD")
	viper.SetDefault("FARE_BASE", 250)
	viper.SetDefault("FARE_RATE_PER_KM", 120)
	viper.SetDefault("FARE_MINIMUM", 500)
	viper.SetDefault("DRIVER_SHARE_PERCENT", 80.0)
	viper.SetDefault("TRIP_EVENT_QUEUE", "trip_service.saga_updates")
	viper.SetDefault("PRICING_EVENT_QUEUE", "pricing_service.trip_events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "payment_service.fare_events")
	viper.SetDefault("EARNINGS_EVENT_QUEUE", "earnings_service.payment_events")

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("MATCH_RADII_M")
	_ = viper.BindEnv("MATCH_MAX_CANDIDATES")
	_ = viper.BindEnv("OFFER_TTL_SECONDS")
	_ = viper.BindEnv("DRIVER_STALENESS_SECONDS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_MAX_ATTEMPTS")
	_ = viper.BindEnv("OFFER_SWEEP_SCHEDULE")
	_ = viper.BindEnv("STALE_DRIVER_SCHEDULE")
	_ = viper.BindEnv("FARE_CURRENCY")
	_ = viper.BindEnv("FARE_BASE")
	_ = viper.BindEnv("FARE_RATE_PER_KM")
	_ = viper.BindEnv("FARE_MINIMUM")
	_ = viper.BindEnv("DRIVER_SHARE_PERCENT")
	_ = viper.BindEnv("TRIP_EVENT_QUEUE")
	_ = viper.BindEnv("PRICING_EVENT_QUEUE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("EARNINGS_EVENT_QUEUE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}

	config.MatchRadiiM = ParseRadii(config.MatchRadiiRaw)
	if len(config.MatchRadiiM) == 0 {
		log.Printf("level=warn component=config msg=\"no usable radii configured; using defaults\" raw=%q", config.MatchRadiiRaw)
		config.MatchRadiiM = []float64{2000, 5000}
	}

	if config.MatchMaxCandidates <= 0 {
		config.MatchMaxCandidates = 5
	}
	if config.OfferTTLSeconds <= 0 {
		config.OfferTTLSeconds = 15
	}
	if config.DriverStalenessSeconds <= 0 {
		config.DriverStalenessSeconds = 300
	}
	if config.OutboxPollIntervalMs <= 0 {
		config.OutboxPollIntervalMs = 1000
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 100
	}
	if config.OutboxMaxAttempts <= 0 {
		config.OutboxMaxAttempts = 5
	}
	if config.DriverSharePercent <= 0 || config.DriverSharePercent > 100 {
		log.Printf("level=warn component=config msg=\"driver share percent out of range; using 80\" value=%f", config.DriverSharePercent)
		config.DriverSharePercent = 80
	}
	if config.FareBase < 0 {
		log.Printf("level=warn component=config msg=\"negative base fare configured; coercing to zero\" value=%d", config.FareBase)
		config.FareBase = 0
	}
	if config.FareRatePerKm < 0 {
		log.Printf("level=warn component=config msg=\"negative per-km rate configured; coercing to zero\" value=%d", config.FareRatePerKm)
		config.FareRatePerKm = 0
	}
	if config.FareMinimum < 0 {
		config.FareMinimum = 0
	}

	return
}

// ParseRadii parses the comma-separated MATCH_RADII_M value, dropping
// non-positive or unparsable entries.
func ParseRadii(raw string) []float64 {
	parts := strings.Split(raw, ",")
	radii := make([]float64, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			continue
		}
		if value > 0 {
			radii = append(radii, value)
		}
	}
	return radii
}
