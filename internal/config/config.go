package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr         string
	CRDBDSN          string
	MongoURI         string
	MongoDB          string
	RedisAddr        string
	RabbitURL        string
	EventsURL        string
	NotificationsURL string
	CollabTimeout    time.Duration
	CollabRetries    int
	IdempotencyTTL   time.Duration
	RateLimit        int
	LogLevel         string
	ServiceName      string
	OTLPEndpoint     string
	OutboxInterval   time.Duration
	OutboxBatch      int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:         str("HTTP_ADDR", ":8080"),
		CRDBDSN:          os.Getenv("CRDB_DSN"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          str("MONGO_DB", "tix"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RabbitURL:        os.Getenv("RABBIT_URL"),
		EventsURL:        os.Getenv("EVENTS_URL"),
		NotificationsURL: os.Getenv("NOTIFICATIONS_URL"),
		CollabTimeout:    duration("COLLAB_TIMEOUT", 5*time.Second),
		CollabRetries:    integer("COLLAB_RETRIES", 0),
		IdempotencyTTL:   duration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimit:        integer("RATE_LIMIT_PER_MINUTE", 60),
		LogLevel:         str("LOG_LEVEL", "info"),
		ServiceName:      str("OTEL_SERVICE_NAME", "tix"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OutboxInterval:   duration("OUTBOX_INTERVAL", 5*time.Second),
		OutboxBatch:      integer("OUTBOX_BATCH", 50),
	}, nil
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d <= 0 {
		return def
	}
	return d
}

func integer(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
