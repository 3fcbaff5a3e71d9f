package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/impact"
	"github.com/flakeguard/flakeguard/internal/models"
)

// PGStore persists quarantine data in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func marshalJSON(v interface{}, fallback string) []byte {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return []byte(fallback)
	}
	return b
}

const recordColumns = `project_id, test_name, test_suite, total_runs, failed_runs, confidence,
	consecutive_failures, runs_since_quarantine, successes_since_quarantine,
	recent_outcomes, last_seen, last_failure_at, updated_at`

func scanRecord(row rowScanner) (models.TestStabilityRecord, error) {
	var (
		rec         models.TestStabilityRecord
		outcomes    []byte
		lastFailure sql.NullTime
	)
	if err := row.Scan(
		&rec.ProjectID,
		&rec.TestName,
		&rec.TestSuite,
		&rec.TotalRuns,
		&rec.FailedRuns,
		&rec.Confidence,
		&rec.ConsecutiveFailures,
		&rec.RunsSinceQuarantine,
		&rec.SuccessesSinceQuarantine,
		&outcomes,
		&rec.LastSeen,
		&lastFailure,
		&rec.UpdatedAt,
	); err != nil {
		return models.TestStabilityRecord{}, err
	}
	if len(outcomes) > 0 {
		_ = json.Unmarshal(outcomes, &rec.RecentOutcomes)
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		rec.LastFailureAt = &t
	}
	return rec, nil
}

func (p *PGStore) UpsertStabilityRecord(ctx context.Context, rec models.TestStabilityRecord) (models.TestStabilityRecord, error) {
	query := `
		INSERT INTO test_stability_records
		  (project_id, test_name, test_suite, total_runs, failed_runs, confidence,
		   consecutive_failures, runs_since_quarantine, successes_since_quarantine,
		   recent_outcomes, last_seen, last_failure_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT (project_id, test_name) DO UPDATE SET
		  test_suite=EXCLUDED.test_suite,
		  total_runs=EXCLUDED.total_runs,
		  failed_runs=EXCLUDED.failed_runs,
		  confidence=EXCLUDED.confidence,
		  consecutive_failures=EXCLUDED.consecutive_failures,
		  runs_since_quarantine=EXCLUDED.runs_since_quarantine,
		  successes_since_quarantine=EXCLUDED.successes_since_quarantine,
		  recent_outcomes=EXCLUDED.recent_outcomes,
		  last_seen=EXCLUDED.last_seen,
		  last_failure_at=EXCLUDED.last_failure_at,
		  updated_at=NOW()
		RETURNING ` + recordColumns
	row := p.db.QueryRowContext(ctx, query,
		rec.ProjectID, rec.TestName, rec.TestSuite, rec.TotalRuns, rec.FailedRuns,
		rec.Confidence, rec.ConsecutiveFailures, rec.RunsSinceQuarantine,
		rec.SuccessesSinceQuarantine, marshalJSON(rec.RecentOutcomes, "[]"),
		rec.LastSeen, rec.LastFailureAt,
	)
	out, err := scanRecord(row)
	if err != nil {
		return models.TestStabilityRecord{}, fmt.Errorf("upsert stability record: %w", err)
	}
	return out, nil
}

func (p *PGStore) GetStabilityRecord(ctx context.Context, projectID, testName string) (models.TestStabilityRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM test_stability_records WHERE project_id=$1 AND test_name=$2`
	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, projectID, testName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TestStabilityRecord{}, ErrNotFound
		}
		return models.TestStabilityRecord{}, fmt.Errorf("get stability record: %w", err)
	}
	return rec, nil
}

func (p *PGStore) ListStabilityRecords(ctx context.Context, projectID string) ([]models.TestStabilityRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM test_stability_records WHERE project_id=$1 ORDER BY test_name`
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list stability records: %w", err)
	}
	defer rows.Close()

	var records []models.TestStabilityRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stability record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stability records: %w", err)
	}
	return records, nil
}

func (p *PGStore) GetQuarantineState(ctx context.Context, projectID, testName string) (models.QuarantineState, error) {
	const query = `
		SELECT project_id, test_name, quarantined, quarantined_at, updated_at
		FROM quarantine_states WHERE project_id=$1 AND test_name=$2
	`
	var (
		st models.QuarantineState
		at sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, query, projectID, testName).
		Scan(&st.ProjectID, &st.TestName, &st.Quarantined, &at, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantineState{}, ErrNotFound
		}
		return models.QuarantineState{}, fmt.Errorf("get quarantine state: %w", err)
	}
	if at.Valid {
		t := at.Time
		st.QuarantinedAt = &t
	}
	return st, nil
}

func (p *PGStore) CountQuarantined(ctx context.Context, projectID string) (int, error) {
	var n int
	const query = `SELECT COUNT(*) FROM quarantine_states WHERE project_id=$1 AND quarantined`
	if err := p.db.QueryRowContext(ctx, query, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count quarantined: %w", err)
	}
	return n, nil
}

// OpenQuarantine flips the state row to quarantined, appends the ledger
// entry, resets the record's release counters, and opens an impact record —
// all in one transaction. The state flip is the check-and-write: a row that
// is already quarantined makes it a no-op and the whole call returns
// ErrConflict, so two concurrent runs cannot double-quarantine a test.
func (p *PGStore) OpenQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry) (models.QuarantineImpact, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const casQuery = `
		INSERT INTO quarantine_states (project_id, test_name, quarantined, quarantined_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $3)
		ON CONFLICT (project_id, test_name) DO UPDATE
		  SET quarantined=TRUE, quarantined_at=$3, updated_at=$3
		  WHERE quarantine_states.quarantined = FALSE
	`
	res, err := tx.ExecContext(ctx, casQuery, entry.ProjectID, entry.TestName, now)
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("claim quarantine state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("claim quarantine state: %w", err)
	}
	if affected == 0 {
		return models.QuarantineImpact{}, ErrConflict
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Action = models.ActionQuarantined
	entry.CreatedAt = now
	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return models.QuarantineImpact{}, err
	}

	const resetQuery = `
		UPDATE test_stability_records
		SET runs_since_quarantine=0, successes_since_quarantine=0, updated_at=$3
		WHERE project_id=$1 AND test_name=$2
	`
	if _, err := tx.ExecContext(ctx, resetQuery, entry.ProjectID, entry.TestName, now); err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("reset release counters: %w", err)
	}

	imp := models.QuarantineImpact{
		ID:        uuid.New(),
		ProjectID: entry.ProjectID,
		TestName:  entry.TestName,
		StartedAt: now,
	}
	const impactQuery = `
		INSERT INTO quarantine_impacts (id, project_id, test_name, started_at)
		VALUES ($1,$2,$3,$4)
	`
	if _, err := tx.ExecContext(ctx, impactQuery, imp.ID, imp.ProjectID, imp.TestName, imp.StartedAt); err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("open impact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("commit open quarantine: %w", err)
	}
	return imp, nil
}

// CloseQuarantine is the mirror transition: state flip (ErrConflict when
// the test is not quarantined), ledger append, impact finalization.
func (p *PGStore) CloseQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry, auto, manual bool) (models.QuarantineImpact, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	const casQuery = `
		UPDATE quarantine_states
		SET quarantined=FALSE, quarantined_at=NULL, updated_at=$3
		WHERE project_id=$1 AND test_name=$2 AND quarantined=TRUE
	`
	res, err := tx.ExecContext(ctx, casQuery, entry.ProjectID, entry.TestName, now)
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("release quarantine state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("release quarantine state: %w", err)
	}
	if affected == 0 {
		return models.QuarantineImpact{}, ErrConflict
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Action = models.ActionUnquarantined
	entry.CreatedAt = now
	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return models.QuarantineImpact{}, err
	}

	const openImpactQuery = `
		SELECT ` + impactColumns + `
		FROM quarantine_impacts
		WHERE project_id=$1 AND test_name=$2 AND finalized_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
		FOR UPDATE
	`
	imp, err := scanImpact(tx.QueryRowContext(ctx, openImpactQuery, entry.ProjectID, entry.TestName))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return models.QuarantineImpact{}, fmt.Errorf("load open impact: %w", err)
		}
		// No open impact (legacy data); the transition itself still holds.
		if err := tx.Commit(); err != nil {
			return models.QuarantineImpact{}, fmt.Errorf("commit close quarantine: %w", err)
		}
		return models.QuarantineImpact{}, nil
	}

	impact.Finalize(&imp, now, auto, manual)
	const finalizeQuery = `
		UPDATE quarantine_impacts
		SET quarantine_period_days=$2, auto_unquarantined=$3, manual_intervention=$4, finalized_at=$5
		WHERE id=$1
	`
	if _, err := tx.ExecContext(ctx, finalizeQuery, imp.ID, imp.QuarantinePeriodDy, imp.AutoUnquarantined, imp.ManualIntervention, imp.FinalizedAt); err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("finalize impact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.QuarantineImpact{}, fmt.Errorf("commit close quarantine: %w", err)
	}
	return imp, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertLedgerEntry(ctx context.Context, ex execer, entry models.QuarantineLedgerEntry) error {
	const query = `
		INSERT INTO quarantine_ledger
		  (id, project_id, test_name, test_suite, action, reason, triggered_by,
		   failure_rate, confidence, consecutive_failures, created_at, stream_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'pending')
	`
	if _, err := ex.ExecContext(ctx, query,
		entry.ID, entry.ProjectID, entry.TestName, entry.TestSuite, string(entry.Action),
		entry.Reason, entry.TriggeredBy, entry.FailureRate, entry.Confidence,
		entry.ConsecutiveFailures, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

const ledgerColumns = `id, project_id, test_name, test_suite, action, reason, triggered_by,
	failure_rate, confidence, consecutive_failures, created_at, stream_status`

func scanLedgerEntry(row rowScanner) (models.QuarantineLedgerEntry, error) {
	var (
		e      models.QuarantineLedgerEntry
		action string
	)
	if err := row.Scan(
		&e.ID, &e.ProjectID, &e.TestName, &e.TestSuite, &action, &e.Reason,
		&e.TriggeredBy, &e.FailureRate, &e.Confidence, &e.ConsecutiveFailures,
		&e.CreatedAt, &e.StreamStatus,
	); err != nil {
		return models.QuarantineLedgerEntry{}, err
	}
	e.Action = models.LedgerAction(action)
	return e, nil
}

func (p *PGStore) LatestLedgerEntry(ctx context.Context, projectID, testName string) (models.QuarantineLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM quarantine_ledger WHERE project_id=$1 AND test_name=$2
		ORDER BY created_at DESC LIMIT 1`
	entry, err := scanLedgerEntry(p.db.QueryRowContext(ctx, query, projectID, testName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantineLedgerEntry{}, ErrNotFound
		}
		return models.QuarantineLedgerEntry{}, fmt.Errorf("latest ledger entry: %w", err)
	}
	return entry, nil
}

func (p *PGStore) ListLedgerEntries(ctx context.Context, projectID string, limit int) ([]models.QuarantineLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + ledgerColumns + `
		FROM quarantine_ledger WHERE project_id=$1
		ORDER BY created_at DESC LIMIT $2`
	rows, err := p.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.QuarantineLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// FetchPendingLedgerEntries claims a batch of unshipped entries for the
// event pipeline using SKIP LOCKED, so concurrent streamers never claim the
// same row.
func (p *PGStore) FetchPendingLedgerEntries(ctx context.Context, batch int) ([]models.QuarantineLedgerEntry, error) {
	if batch <= 0 {
		batch = 10
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + ledgerColumns + `
		FROM quarantine_ledger
		WHERE stream_status='pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1`
	rows, err := tx.QueryContext(ctx, query, batch)
	if err != nil {
		return nil, fmt.Errorf("select pending entries: %w", err)
	}
	var entries []models.QuarantineLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending entries: %w", err)
	}
	rows.Close()

	for i := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE quarantine_ledger SET stream_status='in_progress' WHERE id=$1`,
			entries[i].ID); err != nil {
			return nil, fmt.Errorf("claim pending entry: %w", err)
		}
		entries[i].StreamStatus = "in_progress"
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

func (p *PGStore) MarkLedgerStreamed(ctx context.Context, id uuid.UUID, shipped bool) error {
	status := models.StreamShipped
	if !shipped {
		status = models.StreamFailed
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE quarantine_ledger SET stream_status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("mark ledger streamed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const impactColumns = `id, project_id, test_name, builds_blocked, ci_time_wasted_min,
	developer_hours, false_positives, quarantine_period_days, auto_unquarantined,
	manual_intervention, started_at, finalized_at`

func scanImpact(row rowScanner) (models.QuarantineImpact, error) {
	var (
		imp       models.QuarantineImpact
		finalized sql.NullTime
	)
	if err := row.Scan(
		&imp.ID, &imp.ProjectID, &imp.TestName, &imp.BuildsBlocked, &imp.CITimeWastedMin,
		&imp.DeveloperHours, &imp.FalsePositives, &imp.QuarantinePeriodDy,
		&imp.AutoUnquarantined, &imp.ManualIntervention, &imp.StartedAt, &finalized,
	); err != nil {
		return models.QuarantineImpact{}, err
	}
	if finalized.Valid {
		t := finalized.Time
		imp.FinalizedAt = &t
	}
	return imp, nil
}

func (p *PGStore) GetOpenImpact(ctx context.Context, projectID, testName string) (models.QuarantineImpact, error) {
	query := `SELECT ` + impactColumns + `
		FROM quarantine_impacts
		WHERE project_id=$1 AND test_name=$2 AND finalized_at IS NULL
		ORDER BY started_at DESC LIMIT 1`
	imp, err := scanImpact(p.db.QueryRowContext(ctx, query, projectID, testName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantineImpact{}, ErrNotFound
		}
		return models.QuarantineImpact{}, fmt.Errorf("get open impact: %w", err)
	}
	return imp, nil
}

func (p *PGStore) UpdateImpact(ctx context.Context, imp models.QuarantineImpact) error {
	const query = `
		UPDATE quarantine_impacts
		SET builds_blocked=$2, ci_time_wasted_min=$3, developer_hours=$4,
		    false_positives=$5, quarantine_period_days=$6,
		    auto_unquarantined=$7, manual_intervention=$8, finalized_at=$9
		WHERE id=$1
	`
	res, err := p.db.ExecContext(ctx, query,
		imp.ID, imp.BuildsBlocked, imp.CITimeWastedMin, imp.DeveloperHours,
		imp.FalsePositives, imp.QuarantinePeriodDy, imp.AutoUnquarantined,
		imp.ManualIntervention, imp.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("update impact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) ListImpacts(ctx context.Context, projectID string) ([]models.QuarantineImpact, error) {
	query := `SELECT ` + impactColumns + `
		FROM quarantine_impacts WHERE project_id=$1 ORDER BY started_at`
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list impacts: %w", err)
	}
	defer rows.Close()

	var impacts []models.QuarantineImpact
	for rows.Next() {
		imp, err := scanImpact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan impact: %w", err)
		}
		impacts = append(impacts, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate impacts: %w", err)
	}
	return impacts, nil
}

const policyColumns = `id, project_id, name, is_active, config, created_by, created_at, updated_at`

func scanPolicy(row rowScanner) (models.QuarantinePolicy, error) {
	var (
		pol    models.QuarantinePolicy
		config []byte
	)
	if err := row.Scan(
		&pol.ID, &pol.ProjectID, &pol.Name, &pol.IsActive, &config,
		&pol.CreatedBy, &pol.CreatedAt, &pol.UpdatedAt,
	); err != nil {
		return models.QuarantinePolicy{}, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &pol.Config); err != nil {
			return models.QuarantinePolicy{}, fmt.Errorf("decode policy config: %w", err)
		}
	}
	return pol, nil
}

func (p *PGStore) CreatePolicy(ctx context.Context, pol models.QuarantinePolicy) (models.QuarantinePolicy, error) {
	if pol.ID == uuid.Nil {
		pol.ID = uuid.New()
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuarantinePolicy{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if pol.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE quarantine_policies SET is_active=FALSE, updated_at=NOW() WHERE project_id=$1 AND is_active`,
			pol.ProjectID); err != nil {
			return models.QuarantinePolicy{}, fmt.Errorf("deactivate policies: %w", err)
		}
	}
	query := `
		INSERT INTO quarantine_policies (id, project_id, name, is_active, config, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + policyColumns
	row := tx.QueryRowContext(ctx, query,
		pol.ID, pol.ProjectID, pol.Name, pol.IsActive,
		marshalJSON(pol.Config, "{}"), pol.CreatedBy)
	created, err := scanPolicy(row)
	if err != nil {
		return models.QuarantinePolicy{}, fmt.Errorf("insert policy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.QuarantinePolicy{}, fmt.Errorf("commit create policy: %w", err)
	}
	return created, nil
}

func (p *PGStore) GetPolicy(ctx context.Context, id uuid.UUID) (models.QuarantinePolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM quarantine_policies WHERE id=$1`
	pol, err := scanPolicy(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantinePolicy{}, ErrNotFound
		}
		return models.QuarantinePolicy{}, fmt.Errorf("get policy: %w", err)
	}
	return pol, nil
}

func (p *PGStore) ListPolicies(ctx context.Context, projectID string) ([]models.QuarantinePolicy, error) {
	query := `SELECT ` + policyColumns + ` FROM quarantine_policies WHERE project_id=$1 ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []models.QuarantinePolicy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, pol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

func (p *PGStore) SetPolicyStatus(ctx context.Context, id uuid.UUID, active bool) (models.QuarantinePolicy, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuarantinePolicy{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE quarantine_policies SET is_active=FALSE, updated_at=NOW()
			WHERE project_id=(SELECT project_id FROM quarantine_policies WHERE id=$1)
			  AND id<>$1 AND is_active
		`, id); err != nil {
			return models.QuarantinePolicy{}, fmt.Errorf("deactivate policies: %w", err)
		}
	}
	query := `
		UPDATE quarantine_policies SET is_active=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + policyColumns
	pol, err := scanPolicy(tx.QueryRowContext(ctx, query, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantinePolicy{}, ErrNotFound
		}
		return models.QuarantinePolicy{}, fmt.Errorf("update policy status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.QuarantinePolicy{}, fmt.Errorf("commit policy status: %w", err)
	}
	return pol, nil
}

func (p *PGStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM quarantine_policies WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) ActivePolicy(ctx context.Context, projectID string) (models.QuarantinePolicy, error) {
	query := `SELECT ` + policyColumns + `
		FROM quarantine_policies WHERE project_id=$1 AND is_active
		ORDER BY updated_at DESC LIMIT 1`
	pol, err := scanPolicy(p.db.QueryRowContext(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QuarantinePolicy{}, ErrNotFound
		}
		return models.QuarantinePolicy{}, fmt.Errorf("active policy: %w", err)
	}
	return pol, nil
}

func (p *PGStore) GetTeamConfig(ctx context.Context, projectID string) (models.TeamConfiguration, error) {
	const query = `
		SELECT project_id, developer_hourly_cost, infra_cost_per_ci_minute, builds_per_day,
		       triage_hours_per_failure, cost_per_deploy_delay, deployments_per_week,
		       default_ci_minutes_per_build, suite_ci_minutes, updated_at
		FROM team_configurations WHERE project_id=$1
	`
	var (
		cfg   models.TeamConfiguration
		suite []byte
	)
	err := p.db.QueryRowContext(ctx, query, projectID).Scan(
		&cfg.ProjectID, &cfg.DeveloperHourlyCost, &cfg.InfraCostPerCIMinute,
		&cfg.BuildsPerDay, &cfg.TriageHoursPerFailure, &cfg.CostPerDeployDelay,
		&cfg.DeploymentsPerWeek, &cfg.DefaultCIMinutesPerBuild, &suite, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TeamConfiguration{}, ErrNotFound
		}
		return models.TeamConfiguration{}, fmt.Errorf("get team config: %w", err)
	}
	if len(suite) > 0 {
		_ = json.Unmarshal(suite, &cfg.SuiteCIMinutes)
	}
	return cfg, nil
}

func (p *PGStore) PutTeamConfig(ctx context.Context, cfg models.TeamConfiguration) (models.TeamConfiguration, error) {
	const query = `
		INSERT INTO team_configurations
		  (project_id, developer_hourly_cost, infra_cost_per_ci_minute, builds_per_day,
		   triage_hours_per_failure, cost_per_deploy_delay, deployments_per_week,
		   default_ci_minutes_per_build, suite_ci_minutes, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (project_id) DO UPDATE SET
		  developer_hourly_cost=EXCLUDED.developer_hourly_cost,
		  infra_cost_per_ci_minute=EXCLUDED.infra_cost_per_ci_minute,
		  builds_per_day=EXCLUDED.builds_per_day,
		  triage_hours_per_failure=EXCLUDED.triage_hours_per_failure,
		  cost_per_deploy_delay=EXCLUDED.cost_per_deploy_delay,
		  deployments_per_week=EXCLUDED.deployments_per_week,
		  default_ci_minutes_per_build=EXCLUDED.default_ci_minutes_per_build,
		  suite_ci_minutes=EXCLUDED.suite_ci_minutes,
		  updated_at=NOW()
		RETURNING updated_at
	`
	err := p.db.QueryRowContext(ctx, query,
		cfg.ProjectID, cfg.DeveloperHourlyCost, cfg.InfraCostPerCIMinute, cfg.BuildsPerDay,
		cfg.TriageHoursPerFailure, cfg.CostPerDeployDelay, cfg.DeploymentsPerWeek,
		cfg.DefaultCIMinutesPerBuild, marshalJSON(cfg.SuiteCIMinutes, "{}"),
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return models.TeamConfiguration{}, fmt.Errorf("put team config: %w", err)
	}
	return cfg, nil
}

func (p *PGStore) QuarantineStats(ctx context.Context, projectID string) (models.QuarantineStats, error) {
	stats := models.QuarantineStats{ProjectID: projectID}

	const countsQuery = `
		SELECT
		  (SELECT COUNT(*) FROM test_stability_records WHERE project_id=$1),
		  (SELECT COUNT(*) FROM quarantine_states WHERE project_id=$1 AND quarantined),
		  (SELECT COUNT(*) FROM quarantine_ledger WHERE project_id=$1 AND action='quarantined' AND triggered_by='auto'),
		  (SELECT COUNT(*) FROM quarantine_ledger WHERE project_id=$1 AND action='unquarantined' AND triggered_by<>'auto'),
		  (SELECT COALESCE(SUM(ci_time_wasted_min),0) FROM quarantine_impacts WHERE project_id=$1),
		  (SELECT COALESCE(SUM(developer_hours),0) FROM quarantine_impacts WHERE project_id=$1)
	`
	if err := p.db.QueryRowContext(ctx, countsQuery, projectID).Scan(
		&stats.TotalTests, &stats.QuarantinedTests, &stats.AutoQuarantined,
		&stats.ManualUnquarantines, &stats.CIMinutesSaved, &stats.DeveloperHoursSaved,
	); err != nil {
		return models.QuarantineStats{}, fmt.Errorf("quarantine stats: %w", err)
	}
	if stats.TotalTests > 0 {
		stats.QuarantinedPercentage = float64(stats.QuarantinedTests) / float64(stats.TotalTests) * 100
	}
	return stats, nil
}

func (p *PGStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
