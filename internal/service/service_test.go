package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/store"
)

func testPolicy() models.PolicyConfig {
	return models.PolicyConfig{
		FailureRateThreshold: 0.5,
		ConfidenceThreshold:  0.5,
		ConsecutiveFailures:  3,
		MinRunsRequired:      5,
		StabilityPeriodDays:  7,
		SuccessRateRequired:  0.95,
		MinSuccessfulRuns:    10,
		EnableTimeBasedRules: true,
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	svc := New(m)
	_, err := svc.CreatePolicy(context.Background(), models.QuarantinePolicy{
		ProjectID: "p1",
		Name:      "default",
		IsActive:  true,
		Config:    testPolicy(),
	})
	require.NoError(t, err)
	return svc, m
}

func ingestRuns(t *testing.T, svc *Service, name string, passes, fails int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < passes; i++ {
		_, err := svc.IngestResult(ctx, ResultInput{ProjectID: "p1", TestName: name, Passed: true})
		require.NoError(t, err)
	}
	for i := 0; i < fails; i++ {
		_, err := svc.IngestResult(ctx, ResultInput{ProjectID: "p1", TestName: name, Passed: false})
		require.NoError(t, err)
	}
}

func TestIngestResultBuildsRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ingestRuns(t, svc, "TestA", 8, 12)

	rec, err := svc.store.GetStabilityRecord(context.Background(), "p1", "TestA")
	require.NoError(t, err)
	assert.Equal(t, 20, rec.TotalRuns)
	assert.Equal(t, 12, rec.FailedRuns)
	assert.InDelta(t, 0.6, rec.FailureRate(), 1e-9)
	assert.Equal(t, 12, rec.ConsecutiveFailures)
	assert.InDelta(t, 20.0/30.0, rec.Confidence, 1e-9)
	require.NotNil(t, rec.LastFailureAt)
	assert.Len(t, rec.RecentOutcomes, 20)
}

func TestRunStabilityCheckQuarantinesOnce(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	ingestRuns(t, svc, "TestStable", 20, 0)

	report, err := svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Quarantined)
	assert.Empty(t, report.Errors)

	st, err := m.GetQuarantineState(ctx, "p1", "TestFlaky")
	require.NoError(t, err)
	assert.True(t, st.Quarantined)

	// Re-running finds the test already quarantined and writes no second
	// ledger entry: the release rules simply do not fire yet.
	report, err = svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)
	assert.Zero(t, report.Quarantined)
	assert.Zero(t, report.Conflicts)

	entries, err := m.ListLedgerEntries(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionQuarantined, entries[0].Action)
	assert.Equal(t, models.TriggeredByAuto, entries[0].TriggeredBy)
	assert.InDelta(t, 0.6, entries[0].FailureRate, 1e-9)
}

func TestRunStabilityCheckRequiresActivePolicy(t *testing.T) {
	svc := New(store.NewMemoryStore())
	_, err := svc.RunStabilityCheck(context.Background(), "p-empty", "")
	assert.Error(t, err)
}

func TestQuarantinedFailureAccruesImpact(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	_, err := svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)

	// Two more failures while quarantined.
	ingestRuns(t, svc, "TestFlaky", 0, 2)

	rec, err := m.GetStabilityRecord(ctx, "p1", "TestFlaky")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RunsSinceQuarantine)
	assert.Zero(t, rec.SuccessesSinceQuarantine)

	imp, err := m.GetOpenImpact(ctx, "p1", "TestFlaky")
	require.NoError(t, err)
	assert.Equal(t, 2, imp.BuildsBlocked)
	pricing := DefaultTeamConfiguration("p1")
	assert.InDelta(t, 2*pricing.DefaultCIMinutesPerBuild, imp.CITimeWastedMin, 1e-9)
	assert.InDelta(t, 2*pricing.TriageHoursPerFailure, imp.DeveloperHours, 1e-9)
}

func TestUnquarantineManuallyBypassesRules(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	_, err := svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)

	entry, err := svc.UnquarantineManually(ctx, "p1", "TestFlaky", "known infra issue", "user-7")
	require.NoError(t, err)
	assert.Equal(t, models.ActionUnquarantined, entry.Action)
	assert.Equal(t, "user-7", entry.TriggeredBy)

	st, err := m.GetQuarantineState(ctx, "p1", "TestFlaky")
	require.NoError(t, err)
	assert.False(t, st.Quarantined)

	// Not quarantined anymore: a second release is a conflict.
	_, err = svc.UnquarantineManually(ctx, "p1", "TestFlaky", "again", "user-7")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestListQuarantinedAssemblesView(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	ingestRuns(t, svc, "TestStable", 20, 0)
	_, err := svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)

	tests, err := svc.ListQuarantined(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, "TestFlaky", tests[0].Record.TestName)
	require.NotNil(t, tests[0].LatestEntry)
	require.NotNil(t, tests[0].Impact)
	assert.Nil(t, tests[0].Impact.FinalizedAt)
}

func TestSimulateDoesNotPersist(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	ingestRuns(t, svc, "TestStable", 20, 0)

	res, err := svc.Simulate(ctx, "p1", testPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, res.WouldQuarantine)
	assert.Equal(t, 2, res.TotalActiveTests)
	assert.Positive(t, res.EstimatedSavings.BuildsProtected)

	// No quarantine state was created.
	n, err := m.CountQuarantined(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = m.GetQuarantineState(ctx, "p1", "TestFlaky")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSimulateRejectsInvalidCandidate(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := testPolicy()
	cfg.SuccessRateRequired = 3

	_, err := svc.Simulate(context.Background(), "p1", cfg)
	assert.Error(t, err)
}

func TestCreatePolicyValidates(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := testPolicy()
	cfg.MinRunsRequired = 0

	_, err := svc.CreatePolicy(context.Background(), models.QuarantinePolicy{
		ProjectID: "p1",
		Config:    cfg,
	})
	assert.Error(t, err)
}

func TestRecalculateImpactRederivesOpenWindows(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	ingestRuns(t, svc, "TestFlaky", 8, 12)
	_, err := svc.RunStabilityCheck(ctx, "p1", "")
	require.NoError(t, err)
	ingestRuns(t, svc, "TestFlaky", 1, 3)

	updated, err := svc.RecalculateImpact(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	imp, err := m.GetOpenImpact(ctx, "p1", "TestFlaky")
	require.NoError(t, err)
	assert.Equal(t, 3, imp.BuildsBlocked)
}

func TestRecommendedPolicyDefaultsWithoutHistory(t *testing.T) {
	svc := New(store.NewMemoryStore())
	cfg, err := svc.RecommendedPolicy(context.Background(), "p-empty")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, cfg.FailureRateThreshold, 1e-9)
	assert.Equal(t, 10, cfg.MinRunsRequired)
	assert.NoError(t, policy.Validate(cfg))
}

func TestRecommendedPolicyTracksObservedRates(t *testing.T) {
	svc, _ := newTestService(t)
	ingestRuns(t, svc, "TestA", 12, 8) // 0.40
	ingestRuns(t, svc, "TestB", 10, 10) // 0.50

	cfg, err := svc.RecommendedPolicy(context.Background(), "p1")
	require.NoError(t, err)
	// median(0.40, 0.50)*1.25 = 0.5625, inside the clamp band.
	assert.InDelta(t, 0.5625, cfg.FailureRateThreshold, 1e-9)
	assert.Equal(t, 5, cfg.MinRunsRequired)
	assert.NoError(t, policy.Validate(cfg))
}

func TestGetTeamConfigFallsBackToDefaults(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.GetTeamConfig(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTeamConfiguration("p1").DeveloperHourlyCost, cfg.DeveloperHourlyCost)

	custom := DefaultTeamConfiguration("p1")
	custom.BuildsPerDay = 100
	_, err = svc.PutTeamConfig(ctx, custom)
	require.NoError(t, err)

	got, err := m.GetTeamConfig(ctx, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 100, got.BuildsPerDay, 1e-9)
}

func TestStableDaysUsesLatestFailure(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	quarantinedAt := now.AddDate(0, 0, -15)
	lastFailure := now.AddDate(0, 0, -4)

	rec := models.TestStabilityRecord{LastFailureAt: &lastFailure}
	st := models.QuarantineState{QuarantinedAt: &quarantinedAt}
	assert.InDelta(t, 4, stableDays(rec, st, now), 1e-9)

	// No failure since quarantine: count from the quarantine open.
	rec.LastFailureAt = nil
	assert.InDelta(t, 15, stableDays(rec, st, now), 1e-9)
}
