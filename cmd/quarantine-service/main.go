package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/flakeguard/flakeguard/internal/auth"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/events"
	"github.com/flakeguard/flakeguard/internal/httpserver"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/service"
	"github.com/flakeguard/flakeguard/internal/store"
)

func main() {
	cfg := config.Load()

	var st store.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[main] open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("[main] postgres unreachable: %v", err)
		}
		cancel()
		st = store.NewPGStore(db)
		log.Printf("[main] using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Printf("[main] QUARANTINE_DATABASE_URL not set, using in-memory store")
	}

	svc := service.New(st)
	runner := jobs.NewRunner(cfg.JobTimeout)
	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AllowAnonymous)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The ledger streamer needs a durable pending set to claim from, so it
	// only runs against Postgres.
	if db != nil && len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		producer, err := events.NewKafkaProducer(events.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("[main] kafka producer: %v", err)
		}
		var archiver events.Archiver
		if cfg.S3Bucket != "" {
			archiver, err = events.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("[main] s3 archiver: %v", err)
			}
		}
		streamer := events.NewStreamer(st, producer, archiver, events.StreamerConfig{
			BatchSize:      cfg.StreamBatchSize,
			PollInterval:   cfg.StreamPollInterval,
			MaxConcurrency: cfg.StreamMaxConcurrency,
		})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[main] streamer exited: %v", err)
			}
		}()
	} else {
		log.Printf("[main] ledger streamer disabled (requires postgres, KAFKA_BROKERS and KAFKA_TOPIC)")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.New(cfg, svc, st, runner, verifier).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[main] quarantine service listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
	if db != nil {
		_ = db.Close()
	}
}
