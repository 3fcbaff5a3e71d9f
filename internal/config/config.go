package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from the environment at startup.
type Config struct {
	ListenAddr  string
	DatabaseURL string

	// JWTSecret signs and verifies bearer tokens. Empty disables token
	// validation; combine with AllowAnonymous for local development only.
	JWTSecret      string
	AllowAnonymous bool

	// Ledger event pipeline. The streamer starts only when brokers and a
	// topic are configured alongside Postgres.
	KafkaBrokers []string
	KafkaTopic   string
	S3Bucket     string
	S3Prefix     string

	StreamBatchSize      int
	StreamMaxConcurrency int
	StreamPollInterval   time.Duration

	// JobTimeout bounds background run-check / recalculate jobs.
	JobTimeout time.Duration
}

const (
	defaultAddr       = ":8070"
	defaultJobTimeout = 5 * time.Minute
)

func Load() Config {
	cfg := Config{
		ListenAddr:           getEnv("QUARANTINE_ADDR", defaultAddr),
		DatabaseURL:          firstNonEmpty(os.Getenv("QUARANTINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		JWTSecret:            os.Getenv("QUARANTINE_JWT_SECRET"),
		AllowAnonymous:       getBool("QUARANTINE_ALLOW_ANONYMOUS", false),
		KafkaTopic:           os.Getenv("KAFKA_TOPIC"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Prefix:             os.Getenv("S3_PREFIX"),
		StreamBatchSize:      getInt("STREAM_BATCH_SIZE", 10),
		StreamMaxConcurrency: getInt("STREAM_MAX_CONCURRENCY", 5),
		StreamPollInterval:   time.Duration(getInt("STREAM_POLL_INTERVAL_SECONDS", 3)) * time.Second,
		JobTimeout:           time.Duration(getInt("JOB_TIMEOUT_SECONDS", int(defaultJobTimeout/time.Second))) * time.Second,
	}
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
