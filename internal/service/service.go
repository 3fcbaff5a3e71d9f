package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/impact"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/store"
)

// Service orchestrates the quarantine subsystem: result ingestion, batch
// stability checks, manual overrides, policy CRUD, and simulation. All
// state lives in the store; evaluation itself is pure.
type Service struct {
	store store.Store
}

func New(st store.Store) *Service {
	return &Service{store: st}
}

// confidenceScale controls how fast statistical confidence approaches 1
// with sample size: confidence = n / (n + confidenceScale).
const confidenceScale = 10.0

// ResultInput is one observed test run, provider-agnostic.
type ResultInput struct {
	ProjectID string    `json:"projectId"`
	TestName  string    `json:"testName"`
	TestSuite string    `json:"testSuite,omitempty"`
	Passed    bool      `json:"passed"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IngestResult folds a single run into the test's stability record. While
// the test is quarantined it also advances the release counters and, on a
// failure, charges one blocked build to the open impact record.
func (s *Service) IngestResult(ctx context.Context, in ResultInput) (models.TestStabilityRecord, error) {
	if in.ProjectID == "" || in.TestName == "" {
		return models.TestStabilityRecord{}, fmt.Errorf("projectId and testName required")
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec, err := s.store.GetStabilityRecord(ctx, in.ProjectID, in.TestName)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return models.TestStabilityRecord{}, err
		}
		rec = models.TestStabilityRecord{ProjectID: in.ProjectID, TestName: in.TestName}
	}
	if in.TestSuite != "" {
		rec.TestSuite = in.TestSuite
	}

	rec.TotalRuns++
	if in.Passed {
		rec.ConsecutiveFailures = 0
	} else {
		rec.FailedRuns++
		rec.ConsecutiveFailures++
		t := ts
		rec.LastFailureAt = &t
	}
	rec.Confidence = float64(rec.TotalRuns) / (float64(rec.TotalRuns) + confidenceScale)
	rec.LastSeen = ts

	rec.RecentOutcomes = append(rec.RecentOutcomes, !in.Passed)
	if len(rec.RecentOutcomes) > models.RecentOutcomeLimit {
		rec.RecentOutcomes = rec.RecentOutcomes[len(rec.RecentOutcomes)-models.RecentOutcomeLimit:]
	}

	st, err := s.store.GetQuarantineState(ctx, in.ProjectID, in.TestName)
	quarantined := err == nil && st.Quarantined
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.TestStabilityRecord{}, err
	}
	if quarantined {
		rec.RunsSinceQuarantine++
		if in.Passed {
			rec.SuccessesSinceQuarantine++
		} else if imp, err := s.store.GetOpenImpact(ctx, in.ProjectID, in.TestName); err == nil {
			pricing := s.pricingFor(ctx, in.ProjectID)
			impact.AccrueBuild(&imp, pricing, rec.TestSuite)
			if err := s.store.UpdateImpact(ctx, imp); err != nil {
				log.Printf("[service] accrue impact %s/%s: %v", in.ProjectID, in.TestName, err)
			}
		}
	}

	return s.store.UpsertStabilityRecord(ctx, rec)
}

// RunStabilityCheck evaluates every test in the project against the active
// policy. Per-test failures are isolated into the report; each test gets
// at most one ledger entry per invocation, and a transition lost to a
// concurrent run counts as a conflict rather than an error.
func (s *Service) RunStabilityCheck(ctx context.Context, projectID, triggeredBy string) (models.RunReport, error) {
	report := models.RunReport{ProjectID: projectID, StartedAt: time.Now().UTC()}

	pol, err := s.store.ActivePolicy(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return report, fmt.Errorf("no active policy for project %s: %w", projectID, err)
		}
		return report, err
	}
	if triggeredBy == "" {
		triggeredBy = models.TriggeredByAuto
	}

	records, err := s.store.ListStabilityRecords(ctx, projectID)
	if err != nil {
		return report, err
	}
	quarantinedCount, err := s.store.CountQuarantined(ctx, projectID)
	if err != nil {
		return report, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].TestName < records[j].TestName })
	now := time.Now().UTC()

	for _, rec := range records {
		report.Evaluated++

		st, err := s.store.GetQuarantineState(ctx, projectID, rec.TestName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			report.Errors = append(report.Errors, models.TestError{TestName: rec.TestName, Error: err.Error()})
			continue
		}

		ec := policy.EvalContext{
			Now:              now,
			Quarantined:      st.Quarantined,
			StableDays:       stableDays(rec, st, now),
			QuarantinedCount: quarantinedCount,
			TotalActiveTests: len(records),
		}
		if st.QuarantinedAt != nil {
			ec.QuarantinedAt = *st.QuarantinedAt
		}

		d := policy.Evaluate(rec, pol.Config, ec)
		switch {
		case d.Action == models.DecisionQuarantine:
			entry := ledgerEntry(rec, d.Reason, triggeredBy)
			if _, err := s.store.OpenQuarantine(ctx, entry); err != nil {
				if errors.Is(err, store.ErrConflict) {
					report.Conflicts++
					continue
				}
				report.Errors = append(report.Errors, models.TestError{TestName: rec.TestName, Error: err.Error()})
				continue
			}
			report.Quarantined++
			quarantinedCount++

		case d.Action == models.DecisionUnquarantine:
			entry := ledgerEntry(rec, d.Reason, triggeredBy)
			if _, err := s.store.CloseQuarantine(ctx, entry, d.AutoUnquarantined, false); err != nil {
				if errors.Is(err, store.ErrConflict) {
					report.Conflicts++
					continue
				}
				report.Errors = append(report.Errors, models.TestError{TestName: rec.TestName, Error: err.Error()})
				continue
			}
			report.Unquarantined++
			if quarantinedCount > 0 {
				quarantinedCount--
			}

		case d.Suppressed:
			report.Suppressed++
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Printf("[service] stability check %s: evaluated=%d quarantined=%d unquarantined=%d suppressed=%d conflicts=%d errors=%d",
		projectID, report.Evaluated, report.Quarantined, report.Unquarantined,
		report.Suppressed, report.Conflicts, len(report.Errors))
	return report, nil
}

func ledgerEntry(rec models.TestStabilityRecord, reason, triggeredBy string) models.QuarantineLedgerEntry {
	return models.QuarantineLedgerEntry{
		ID:                  uuid.New(),
		ProjectID:           rec.ProjectID,
		TestName:            rec.TestName,
		TestSuite:           rec.TestSuite,
		Reason:              reason,
		TriggeredBy:         triggeredBy,
		FailureRate:         rec.FailureRate(),
		Confidence:          rec.Confidence,
		ConsecutiveFailures: rec.ConsecutiveFailures,
	}
}

// stableDays is the sustained-success span: time since the last failure,
// or since the quarantine opened when no failure has been seen since.
func stableDays(rec models.TestStabilityRecord, st models.QuarantineState, now time.Time) float64 {
	var since time.Time
	if st.QuarantinedAt != nil {
		since = *st.QuarantinedAt
	}
	if rec.LastFailureAt != nil && rec.LastFailureAt.After(since) {
		since = *rec.LastFailureAt
	}
	if since.IsZero() {
		return 0
	}
	days := now.Sub(since).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

// UnquarantineManually releases a test on user request. It bypasses every
// policy rule; the only way it fails is ErrConflict when the test is not
// quarantined.
func (s *Service) UnquarantineManually(ctx context.Context, projectID, testName, reason, userID string) (models.QuarantineLedgerEntry, error) {
	if projectID == "" || testName == "" {
		return models.QuarantineLedgerEntry{}, fmt.Errorf("projectId and testName required")
	}
	if reason == "" {
		reason = "manual unquarantine"
	}
	rec, err := s.store.GetStabilityRecord(ctx, projectID, testName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.QuarantineLedgerEntry{}, err
	}
	rec.ProjectID = projectID
	rec.TestName = testName

	entry := ledgerEntry(rec, reason, userID)
	if _, err := s.store.CloseQuarantine(ctx, entry, false, true); err != nil {
		return models.QuarantineLedgerEntry{}, err
	}
	entry.Action = models.ActionUnquarantined
	return entry, nil
}

// ListQuarantined assembles the dashboard list: each currently-quarantined
// test's record, its latest ledger entry, and its open impact.
func (s *Service) ListQuarantined(ctx context.Context, projectID string) ([]models.QuarantinedTest, error) {
	records, err := s.store.ListStabilityRecords(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []models.QuarantinedTest
	for _, rec := range records {
		st, err := s.store.GetQuarantineState(ctx, projectID, rec.TestName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !st.Quarantined {
			continue
		}
		qt := models.QuarantinedTest{Record: rec}
		if entry, err := s.store.LatestLedgerEntry(ctx, projectID, rec.TestName); err == nil {
			qt.LatestEntry = &entry
		}
		if imp, err := s.store.GetOpenImpact(ctx, projectID, rec.TestName); err == nil {
			qt.Impact = &imp
		}
		out = append(out, qt)
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, projectID string) (models.QuarantineStats, error) {
	return s.store.QuarantineStats(ctx, projectID)
}

// History returns the most recent ledger entries for the project, newest
// first.
func (s *Service) History(ctx context.Context, projectID string, limit int) ([]models.QuarantineLedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, projectID, limit)
}

func (s *Service) ListImpacts(ctx context.Context, projectID string) ([]models.QuarantineImpact, error) {
	return s.store.ListImpacts(ctx, projectID)
}

// CreatePolicy validates the config exhaustively before persisting.
func (s *Service) CreatePolicy(ctx context.Context, pol models.QuarantinePolicy) (models.QuarantinePolicy, error) {
	if pol.ProjectID == "" {
		return models.QuarantinePolicy{}, fmt.Errorf("projectId required")
	}
	if pol.Name == "" {
		pol.Name = "unnamed policy"
	}
	if err := policy.Validate(pol.Config); err != nil {
		return models.QuarantinePolicy{}, err
	}
	return s.store.CreatePolicy(ctx, pol)
}

func (s *Service) ListPolicies(ctx context.Context, projectID string) ([]models.QuarantinePolicy, error) {
	return s.store.ListPolicies(ctx, projectID)
}

func (s *Service) SetPolicyStatus(ctx context.Context, id uuid.UUID, active bool) (models.QuarantinePolicy, error) {
	return s.store.SetPolicyStatus(ctx, id, active)
}

func (s *Service) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	return s.store.DeletePolicy(ctx, id)
}

// Simulate applies a candidate policy to a read-only snapshot of the
// project. Nothing is persisted; repeated calls on unchanged data return
// identical results.
func (s *Service) Simulate(ctx context.Context, projectID string, cfg models.PolicyConfig) (models.SimulationResult, error) {
	records, err := s.store.ListStabilityRecords(ctx, projectID)
	if err != nil {
		return models.SimulationResult{}, err
	}
	now := time.Now().UTC()

	snap := policy.Snapshot{ProjectID: projectID}
	for _, rec := range records {
		st, err := s.store.GetQuarantineState(ctx, projectID, rec.TestName)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return models.SimulationResult{}, err
		}
		if st.Quarantined {
			snap.QuarantinedCount++
		}
		snap.Entries = append(snap.Entries, policy.SnapshotEntry{
			Record:     rec,
			State:      st,
			StableDays: stableDays(rec, st, now),
		})
	}

	return policy.Simulate(cfg, snap, s.pricingFor(ctx, projectID), now)
}

// RecalculateImpact re-derives every open impact record from the stability
// counters and the current pricing table, and refreshes the running period.
func (s *Service) RecalculateImpact(ctx context.Context, projectID string) (int, error) {
	pricing := s.pricingFor(ctx, projectID)
	records, err := s.store.ListStabilityRecords(ctx, projectID)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	updated := 0
	for _, rec := range records {
		imp, err := s.store.GetOpenImpact(ctx, projectID, rec.TestName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return updated, err
		}
		failures := rec.RunsSinceQuarantine - rec.SuccessesSinceQuarantine
		if failures < 0 {
			failures = 0
		}
		imp.BuildsBlocked = failures
		imp.CITimeWastedMin = float64(failures) * pricing.CIMinutesForSuite(rec.TestSuite)
		imp.DeveloperHours = float64(failures) * pricing.TriageHoursPerFailure
		imp.QuarantinePeriodDy = now.Sub(imp.StartedAt).Hours() / 24
		if err := s.store.UpdateImpact(ctx, imp); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *Service) GetTeamConfig(ctx context.Context, projectID string) (models.TeamConfiguration, error) {
	cfg, err := s.store.GetTeamConfig(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DefaultTeamConfiguration(projectID), nil
		}
		return models.TeamConfiguration{}, err
	}
	return cfg, nil
}

func (s *Service) PutTeamConfig(ctx context.Context, cfg models.TeamConfiguration) (models.TeamConfiguration, error) {
	if cfg.ProjectID == "" {
		return models.TeamConfiguration{}, fmt.Errorf("projectId required")
	}
	return s.store.PutTeamConfig(ctx, cfg)
}

func (s *Service) pricingFor(ctx context.Context, projectID string) models.TeamConfiguration {
	cfg, err := s.store.GetTeamConfig(ctx, projectID)
	if err != nil {
		return DefaultTeamConfiguration(projectID)
	}
	return cfg
}

// DefaultTeamConfiguration is the pricing table used until a project
// configures its own.
func DefaultTeamConfiguration(projectID string) models.TeamConfiguration {
	return models.TeamConfiguration{
		ProjectID:                projectID,
		DeveloperHourlyCost:      95,
		InfraCostPerCIMinute:     0.08,
		BuildsPerDay:             20,
		TriageHoursPerFailure:    0.5,
		CostPerDeployDelay:       250,
		DeploymentsPerWeek:       10,
		DefaultCIMinutesPerBuild: 15,
	}
}
