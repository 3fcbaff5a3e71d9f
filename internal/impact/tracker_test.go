package impact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/models"
)

func pricing() models.TeamConfiguration {
	return models.TeamConfiguration{
		BuildsPerDay:             20,
		TriageHoursPerFailure:    0.5,
		DefaultCIMinutesPerBuild: 15,
		SuiteCIMinutes:           map[string]float64{"integration": 40},
	}
}

func TestAccrueBuildUsesSuitePricing(t *testing.T) {
	imp := models.QuarantineImpact{}
	AccrueBuild(&imp, pricing(), "integration")
	AccrueBuild(&imp, pricing(), "integration")

	assert.Equal(t, 2, imp.BuildsBlocked)
	assert.InDelta(t, 80, imp.CITimeWastedMin, 1e-9)
	assert.InDelta(t, 1.0, imp.DeveloperHours, 1e-9)
}

func TestAccrueBuildFallsBackToDefault(t *testing.T) {
	imp := models.QuarantineImpact{}
	AccrueBuild(&imp, pricing(), "unknown-suite")
	assert.InDelta(t, 15, imp.CITimeWastedMin, 1e-9)
}

func TestFinalizeStampsWindow(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	imp := models.QuarantineImpact{StartedAt: started}

	now := started.AddDate(0, 0, 12)
	Finalize(&imp, now, false, true)

	require.NotNil(t, imp.FinalizedAt)
	assert.Equal(t, now, *imp.FinalizedAt)
	assert.InDelta(t, 12, imp.QuarantinePeriodDy, 1e-9)
	assert.False(t, imp.AutoUnquarantined)
	assert.True(t, imp.ManualIntervention)
}

func TestEstimateSavingsForecast(t *testing.T) {
	rec := models.TestStabilityRecord{
		TestSuite:  "integration",
		TotalRuns:  20,
		FailedRuns: 12,
	}
	sav := EstimateSavings(rec, pricing())

	// 0.6 * 20 * 30 = 360 blocked builds over the horizon.
	assert.Equal(t, 360, sav.BuildsProtected)
	assert.InDelta(t, 360*40.0, sav.CIMinutes, 1e-9)
	assert.InDelta(t, 360*0.5, sav.DeveloperHours, 1e-9)
}

func TestEstimateSavingsZeroRuns(t *testing.T) {
	sav := EstimateSavings(models.TestStabilityRecord{}, pricing())
	assert.Equal(t, 0, sav.BuildsProtected)
	assert.Zero(t, sav.CIMinutes)
	assert.Zero(t, sav.DeveloperHours)
}
