package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a lost quarantine check-and-write race: the test
	// was already in the target state. Callers should re-evaluate that test
	// only; the rest of the batch is unaffected.
	ErrConflict = errors.New("quarantine state conflict")
)

// Store is the persistence boundary for the quarantine subsystem. PGStore
// backs it with Postgres; MemoryStore serves dev mode and tests.
type Store interface {
	// Stability records.
	UpsertStabilityRecord(ctx context.Context, rec models.TestStabilityRecord) (models.TestStabilityRecord, error)
	GetStabilityRecord(ctx context.Context, projectID, testName string) (models.TestStabilityRecord, error)
	ListStabilityRecords(ctx context.Context, projectID string) ([]models.TestStabilityRecord, error)

	// Quarantine state and ledger. OpenQuarantine and CloseQuarantine are
	// atomic check-and-write transitions: they verify the current state,
	// append exactly one ledger entry, flip the state row, and open or
	// finalize the impact record — all in one transaction. A transition
	// from the wrong state returns ErrConflict.
	GetQuarantineState(ctx context.Context, projectID, testName string) (models.QuarantineState, error)
	CountQuarantined(ctx context.Context, projectID string) (int, error)
	OpenQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry) (models.QuarantineImpact, error)
	CloseQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry, auto, manual bool) (models.QuarantineImpact, error)
	LatestLedgerEntry(ctx context.Context, projectID, testName string) (models.QuarantineLedgerEntry, error)
	ListLedgerEntries(ctx context.Context, projectID string, limit int) ([]models.QuarantineLedgerEntry, error)

	// Ledger streaming (DB-first pipeline): claim pending entries for
	// shipping, then mark each shipped or failed.
	FetchPendingLedgerEntries(ctx context.Context, batch int) ([]models.QuarantineLedgerEntry, error)
	MarkLedgerStreamed(ctx context.Context, id uuid.UUID, shipped bool) error

	// Impacts.
	GetOpenImpact(ctx context.Context, projectID, testName string) (models.QuarantineImpact, error)
	UpdateImpact(ctx context.Context, imp models.QuarantineImpact) error
	ListImpacts(ctx context.Context, projectID string) ([]models.QuarantineImpact, error)

	// Policies. SetPolicyStatus(id, true) deactivates every other policy of
	// the same project so at most one stays authoritative.
	CreatePolicy(ctx context.Context, pol models.QuarantinePolicy) (models.QuarantinePolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (models.QuarantinePolicy, error)
	ListPolicies(ctx context.Context, projectID string) ([]models.QuarantinePolicy, error)
	SetPolicyStatus(ctx context.Context, id uuid.UUID, active bool) (models.QuarantinePolicy, error)
	DeletePolicy(ctx context.Context, id uuid.UUID) error
	ActivePolicy(ctx context.Context, projectID string) (models.QuarantinePolicy, error)

	// Team configuration (pricing table).
	GetTeamConfig(ctx context.Context, projectID string) (models.TeamConfiguration, error)
	PutTeamConfig(ctx context.Context, cfg models.TeamConfiguration) (models.TeamConfiguration, error)

	QuarantineStats(ctx context.Context, projectID string) (models.QuarantineStats, error)

	Ping(ctx context.Context) error
}
