package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds environment-based settings for the origin and edge binaries
type Config struct {
	Environment string
	LogLevel    string

	OriginAddress  string
	EdgeAddress    string
	DatabaseURL    string
	MigrationsPath string

	RedisAddress     string
	RedisUsername    string
	RedisPassword    string
	EdgeRedisAddress string

	OriginURL         string
	GlobalFallbackURL string
	CronSecret        string
	OperatorSecret    string

	RouteCacheTTL     time.Duration
	FlagDistanceMiles float64
	ProxyTimeout      time.Duration

	FlushBatchSize int
	FlushBudget    time.Duration
	FlushHighWater int64
	FlushInterval  time.Duration

	RecorderBuffer  int
	RecorderWorkers int

	MQTTBrokerURL  string
	MQTTAlertTopic string

	DeadLetterDir   string
	UseSpaces       bool
	SpacesEndpoint  string
	SpacesRegion    string
	SpacesBucket    string
	SpacesAccessKey string
	SpacesSecretKey string
}

// IsDevelopment reports whether human-readable logs and gin debug mode apply
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads configuration from environment variables, after merging an
// optional .env file from the working directory
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env file")
	}

	cfg := &Config{
		Environment:    getenv("APP_ENV", "production"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		OriginAddress:  getenv("ORIGIN_ADDRESS", ":8080"),
		EdgeAddress:    getenv("EDGE_ADDRESS", ":8081"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrationsPath: getenv("MIGRATIONS_PATH", "./migrations"),

		RedisAddress:  getenv("REDIS_ADDRESS", "localhost:6379"),
		RedisUsername: os.Getenv("REDIS_USERNAME"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		OriginURL:         os.Getenv("ORIGIN_URL"),
		GlobalFallbackURL: getenv("GLOBAL_FALLBACK_URL", "https://example.com"),
		CronSecret:        os.Getenv("CRON_SECRET"),
		OperatorSecret:    os.Getenv("OPERATOR_JWT_SECRET"),

		MQTTBrokerURL:  os.Getenv("MQTT_BROKER_URL"),
		MQTTAlertTopic: getenv("MQTT_ALERT_TOPIC", "bandtap/alerts"),

		DeadLetterDir:   getenv("DEADLETTER_DIR", "./deadletter"),
		UseSpaces:       os.Getenv("USE_SPACES") == "true",
		SpacesEndpoint:  os.Getenv("SPACES_ENDPOINT"),
		SpacesRegion:    os.Getenv("SPACES_REGION"),
		SpacesBucket:    os.Getenv("SPACES_BUCKET"),
		SpacesAccessKey: os.Getenv("SPACES_ACCESS_KEY"),
		SpacesSecretKey: os.Getenv("SPACES_SECRET_KEY"),
	}
	cfg.EdgeRedisAddress = getenv("EDGE_REDIS_ADDRESS", cfg.RedisAddress)

	var err error
	if cfg.RouteCacheTTL, err = durationEnv("ROUTE_CACHE_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProxyTimeout, err = durationEnv("PROXY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushBudget, err = durationEnv("FLUSH_BUDGET", 50*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = durationEnv("FLUSH_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.FlagDistanceMiles, err = floatEnv("FLAG_DISTANCE_MILES", 50); err != nil {
		return nil, err
	}
	if cfg.FlushBatchSize, err = intEnv("FLUSH_BATCH_SIZE", 50000); err != nil {
		return nil, err
	}
	highWater, err := intEnv("FLUSH_HIGH_WATER", 200000)
	if err != nil {
		return nil, err
	}
	cfg.FlushHighWater = int64(highWater)
	if cfg.RecorderBuffer, err = intEnv("RECORDER_BUFFER", 4096); err != nil {
		return nil, err
	}
	if cfg.RecorderWorkers, err = intEnv("RECORDER_WORKERS", 4); err != nil {
		return nil, err
	}

	if cfg.OperatorSecret == "" {
		return nil, fmt.Errorf("OPERATOR_JWT_SECRET is required")
	}
	return cfg, nil
}

// ValidateOrigin checks the variables only the origin service needs
func (c *Config) ValidateOrigin() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.FlushBatchSize <= 0 {
		return fmt.Errorf("FLUSH_BATCH_SIZE must be positive")
	}
	return nil
}

// ValidateEdge checks the variables only the edge frontend needs
func (c *Config) ValidateEdge() error {
	if c.OriginURL == "" {
		return fmt.Errorf("ORIGIN_URL is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
