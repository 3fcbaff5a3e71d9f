package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/store"
)

// StreamerConfig tunes the DB-first ledger shipper.
type StreamerConfig struct {
	// BatchSize is how many pending entries to claim per poll.
	BatchSize int

	// PollInterval when there is no work.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce+archive work per batch.
	MaxConcurrency int
}

// Streamer ships quarantine ledger entries to Kafka and S3 with the DB as
// the source of truth for retries: entries are claimed out of the pending
// set, produced and archived, then marked shipped or failed. A failed
// entry stays visible for operator replay; the ledger row itself is never
// mutated beyond its stream status.
type Streamer struct {
	store    store.Store
	producer Producer
	archiver Archiver
	cfg      StreamerConfig
	wg       sync.WaitGroup
}

func NewStreamer(st store.Store, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{store: st, producer: producer, archiver: archiver, cfg: cfg}
}

// Run polls for pending ledger entries until ctx is cancelled. Safe to run
// in a goroutine; it drains in-flight work and closes the producer on exit.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[ledger.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[ledger.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		entries, err := s.store.FetchPendingLedgerEntries(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[ledger.streamer] fetch pending: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			time.Sleep(s.cfg.PollInterval)
			continue
		}

		for i := range entries {
			entry := entries[i]
			sem <- struct{}{}
			s.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.ship(ctx, entry); err != nil {
					log.Printf("[ledger.streamer] ship %s: %v", entry.ID, err)
				}
			}()
		}
	}
}

func (s *Streamer) ship(ctx context.Context, entry models.QuarantineLedgerEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		_ = s.store.MarkLedgerStreamed(ctx, entry.ID, false)
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := []byte(entry.ProjectID + "/" + entry.TestName)

	if err := s.producer.Produce(ctx, key, value); err != nil {
		_ = s.store.MarkLedgerStreamed(ctx, entry.ID, false)
		return fmt.Errorf("produce: %w", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveEntry(ctx, &entry); err != nil {
			_ = s.store.MarkLedgerStreamed(ctx, entry.ID, false)
			return fmt.Errorf("archive: %w", err)
		}
	}
	return s.store.MarkLedgerStreamed(ctx, entry.ID, true)
}
