package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/models"
)

func simPricing() models.TeamConfiguration {
	return models.TeamConfiguration{
		ProjectID:                "p1",
		BuildsPerDay:             20,
		TriageHoursPerFailure:    0.5,
		DefaultCIMinutesPerBuild: 15,
	}
}

func flakyEntry(name string) SnapshotEntry {
	return SnapshotEntry{
		Record: models.TestStabilityRecord{
			ProjectID:           "p1",
			TestName:            name,
			TotalRuns:           20,
			FailedRuns:          12,
			Confidence:          0.8,
			ConsecutiveFailures: 4,
		},
	}
}

func stableEntry(name string) SnapshotEntry {
	return SnapshotEntry{
		Record: models.TestStabilityRecord{
			ProjectID: "p1",
			TestName:  name,
			TotalRuns: 20,
		},
	}
}

func TestSimulateCountsAndSavings(t *testing.T) {
	snap := Snapshot{
		ProjectID: "p1",
		Entries: []SnapshotEntry{
			flakyEntry("TestA"),
			stableEntry("TestB"),
			stableEntry("TestC"),
			stableEntry("TestD"),
			stableEntry("TestE"),
		},
	}
	res, err := Simulate(basePolicy(), snap, simPricing(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, res.WouldQuarantine)
	assert.Equal(t, 0, res.WouldUnquarantine)
	assert.Equal(t, 5, res.TotalActiveTests)
	// 0.6 * 20 builds/day * 30 days = 360 blocked builds forecast.
	assert.Equal(t, 360, res.EstimatedSavings.BuildsProtected)
	assert.InDelta(t, 360*15.0, res.EstimatedSavings.CIMinutes, 1e-9)
	assert.InDelta(t, 360*0.5, res.EstimatedSavings.DeveloperHours, 1e-9)
}

func TestSimulateIsPure(t *testing.T) {
	snap := Snapshot{
		ProjectID: "p1",
		Entries: []SnapshotEntry{
			flakyEntry("TestA"),
			flakyEntry("TestB"),
			stableEntry("TestC"),
			stableEntry("TestD"),
		},
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first, err := Simulate(basePolicy(), snap, simPricing(), now)
	require.NoError(t, err)
	second, err := Simulate(basePolicy(), snap, simPricing(), now)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The snapshot itself is untouched.
	assert.False(t, snap.Entries[0].State.Quarantined)
	assert.Equal(t, 0, snap.QuarantinedCount)
}

func TestSimulateRejectsInvalidConfig(t *testing.T) {
	cfg := basePolicy()
	cfg.FailureRateThreshold = 1.5
	cfg.ConsecutiveFailures = 0

	_, err := Simulate(cfg, Snapshot{ProjectID: "p1"}, simPricing(), time.Now().UTC())
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Violations, 2)
}

func TestSimulateCapLimitsQuarantines(t *testing.T) {
	cfg := basePolicy()
	cfg.MaxQuarantinePercentage = 25

	// 4 tests, all flaky: the cap allows exactly one (2/4 would be 50%).
	snap := Snapshot{
		ProjectID: "p1",
		Entries: []SnapshotEntry{
			flakyEntry("TestA"),
			flakyEntry("TestB"),
			flakyEntry("TestC"),
			flakyEntry("TestD"),
		},
	}
	res, err := Simulate(cfg, snap, simPricing(), time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, 1, res.WouldQuarantine)
	assert.True(t, res.PotentialRisks.OverQuarantine)
}

func TestSimulateFlagsOverQuarantineRatio(t *testing.T) {
	snap := Snapshot{
		ProjectID: "p1",
		Entries: []SnapshotEntry{
			flakyEntry("TestA"),
			flakyEntry("TestB"),
			stableEntry("TestC"),
			stableEntry("TestD"),
		},
	}
	res, err := Simulate(basePolicy(), snap, simPricing(), time.Now().UTC())
	require.NoError(t, err)

	// 2 of 4 quarantined is over the 25% sanity ratio even without a cap.
	assert.Equal(t, 2, res.WouldQuarantine)
	assert.True(t, res.PotentialRisks.OverQuarantine)
}

func TestSimulateCountsCriticalTests(t *testing.T) {
	cfg := basePolicy()
	cfg.HighImpactSuites = []string{"smoke"}

	e := flakyEntry("TestA")
	e.Record.TestSuite = "smoke"
	snap := Snapshot{ProjectID: "p1", Entries: []SnapshotEntry{e}}

	res, err := Simulate(cfg, snap, simPricing(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, res.PotentialRisks.CriticalTestsAffected)
}

func TestSimulateCountsWouldUnquarantine(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	quarantinedAt := now.AddDate(0, 0, -10)

	e := SnapshotEntry{
		Record: models.TestStabilityRecord{
			ProjectID:                "p1",
			TestName:                 "TestA",
			TotalRuns:                40,
			FailedRuns:               10,
			RunsSinceQuarantine:      12,
			SuccessesSinceQuarantine: 12,
		},
		State: models.QuarantineState{
			ProjectID:     "p1",
			TestName:      "TestA",
			Quarantined:   true,
			QuarantinedAt: &quarantinedAt,
		},
		StableDays: 10,
	}
	snap := Snapshot{ProjectID: "p1", Entries: []SnapshotEntry{e}, QuarantinedCount: 1}

	res, err := Simulate(basePolicy(), snap, simPricing(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.WouldUnquarantine)
	assert.Equal(t, 0, res.WouldQuarantine)
}

func TestSimulateMonotonicInThreshold(t *testing.T) {
	snap := Snapshot{
		ProjectID: "p1",
		Entries: []SnapshotEntry{
			flakyEntry("TestA"), // 0.60
			func() SnapshotEntry {
				e := flakyEntry("TestB")
				e.Record.FailedRuns = 9 // 0.45
				return e
			}(),
			stableEntry("TestC"),
		},
	}
	now := time.Now().UTC()

	prev := -1
	for _, thr := range []float64{0.1, 0.3, 0.45, 0.5, 0.61, 0.9} {
		cfg := basePolicy()
		cfg.FailureRateThreshold = thr
		res, err := Simulate(cfg, snap, simPricing(), now)
		require.NoError(t, err)
		if prev >= 0 && res.WouldQuarantine > prev {
			t.Fatalf("wouldQuarantine grew from %d to %d when threshold rose to %v", prev, res.WouldQuarantine, thr)
		}
		prev = res.WouldQuarantine
	}
}
