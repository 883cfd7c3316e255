package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from the environment, optionally seeded from a .env file, with
// defaults that run everything in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	PGDSN         string
	RunMigrations bool
	PlacesFile    string

	StripeAPIKey        string
	StripeWebhookSecret string
	// OnboardingReturnURL is where Stripe sends a host after onboarding.
	OnboardingReturnURL string

	RequireHostProfile bool
	SpeedMph           float64
	LocationWindow     time.Duration
	FlushInterval      time.Duration

	SettlementStaleAfter  time.Duration
	SettlementMaxAttempts int
	SweepInterval         time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "host_geo",
		KafkaLocationTopic:    "cart-locations",
		KafkaRideTopic:        "ride-events",
		SpeedMph:              25,
		LocationWindow:        5 * time.Minute,
		FlushInterval:         30 * time.Second,
		SettlementStaleAfter:  2 * time.Minute,
		SettlementMaxAttempts: 5,
		SweepInterval:         time.Minute,
		LogLevel:              "info",
		OnboardingReturnURL:   "http://localhost:3000/",
	}
}

// LoadDotEnv reads ENV_FILE (default .env) into the environment. Variables
// already set win. A missing file is not an error.
func LoadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setStringFromEnv(&cfg.PlacesFile, "PLACES_FILE")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.OnboardingReturnURL, "STRIPE_ONBOARDING_RETURN_URL")

	setBoolFromEnv(&cfg.RequireHostProfile, "REQUIRE_HOST_PROFILE", &errs)
	setFloatFromEnv(&cfg.SpeedMph, "CART_SPEED_MPH", &errs)
	setDurationFromEnv(&cfg.LocationWindow, "LOCATION_WINDOW", &errs)
	setDurationFromEnv(&cfg.FlushInterval, "LOCATION_FLUSH_INTERVAL", &errs)

	setDurationFromEnv(&cfg.SettlementStaleAfter, "SETTLEMENT_STALE_AFTER", &errs)
	setIntFromEnv(&cfg.SettlementMaxAttempts, "SETTLEMENT_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SETTLEMENT_SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SpeedMph <= 0 {
		errs = append(errs, fmt.Errorf("CART_SPEED_MPH must be > 0"))
	}
	if cfg.LocationWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_WINDOW must be > 0"))
	}
	if cfg.SettlementMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.RunMigrations && cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE=true requires PG_DSN"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location consumer's subset of settings.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	LocationWindow time.Duration
	FlushInterval  time.Duration
	MetricsAddr    string
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "cart-locations",
		KafkaGroup:     "cartrabbit-locations",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "host_geo",
		LocationWindow: 5 * time.Minute,
		FlushInterval:  30 * time.Second,
		MetricsAddr:    ":2112",
		LogLevel:       "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.LocationWindow, "LOCATION_WINDOW", &errs)
	setDurationFromEnv(&cfg.FlushInterval, "LOCATION_FLUSH_INTERVAL", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
