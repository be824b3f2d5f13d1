package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string

	GracePeriodMinutes int
	AutoCancelMinutes  int
	SweepInterval      time.Duration
	StatsInterval      time.Duration
	LockTimeout        time.Duration
	LockTTL            time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		GracePeriodMinutes: envInt("GRACE_PERIOD_MINUTES", 15),
		AutoCancelMinutes:  envInt("AUTO_CANCEL_MINUTES", 30),
		SweepInterval:      envDuration("SWEEP_INTERVAL", 5*time.Minute),
		StatsInterval:      envDuration("STATS_INTERVAL", time.Minute),
		LockTimeout:        envDuration("LOCK_TIMEOUT", 3*time.Second),
		LockTTL:            envDuration("LOCK_TTL", 10*time.Second),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
