package impact

import (
	"math"
	"time"

	"github.com/flakeguard/flakeguard/internal/models"
)

// SavingsHorizonDays is the forecast window used when estimating what a
// quarantine would save. Thirty days matches the default billing period the
// dashboards aggregate over.
const SavingsHorizonDays = 30

// AccrueBuild charges one blocked build against a running quarantine
// impact. The per-build cost comes from the injected pricing table; the
// tracker consumes it, never computes it.
func AccrueBuild(imp *models.QuarantineImpact, pricing models.TeamConfiguration, suite string) {
	imp.BuildsBlocked++
	imp.CITimeWastedMin += pricing.CIMinutesForSuite(suite)
	imp.DeveloperHours += pricing.TriageHoursPerFailure
}

// Finalize stamps the quarantine window end. auto marks policy-driven
// release, manual marks a user override; both may be recorded when a manual
// action ends a window the policy would also have released.
func Finalize(imp *models.QuarantineImpact, now time.Time, auto, manual bool) {
	days := now.Sub(imp.StartedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	imp.QuarantinePeriodDy = days
	imp.AutoUnquarantined = auto
	imp.ManualIntervention = manual
	t := now
	imp.FinalizedAt = &t
}

// EstimateSavings forecasts the per-test saving of quarantining rec over
// the next SavingsHorizonDays: expected blocked builds are the failure rate
// applied to the project's build volume, and each blocked build saves its
// suite's CI minutes plus the configured triage effort.
func EstimateSavings(rec models.TestStabilityRecord, pricing models.TeamConfiguration) models.EstimatedSavings {
	builds := int(math.Round(rec.FailureRate() * pricing.BuildsPerDay * SavingsHorizonDays))
	if builds < 0 {
		builds = 0
	}
	return models.EstimatedSavings{
		CIMinutes:       float64(builds) * pricing.CIMinutesForSuite(rec.TestSuite),
		DeveloperHours:  float64(builds) * pricing.TriageHoursPerFailure,
		BuildsProtected: builds,
	}
}
