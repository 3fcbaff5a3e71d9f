package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/flakeguard/flakeguard/internal/models"
)

// EvalContext carries the request-scoped state the evaluator needs beyond
// the record itself: the test's current quarantine status, its behavior
// since quarantine, and the project-wide counts used for the percentage
// cap. The evaluator is a pure function of (record, policy, context);
// callers build the context from a snapshot, so re-running on unchanged
// inputs yields the same decision.
type EvalContext struct {
	Now time.Time

	Quarantined   bool
	QuarantinedAt time.Time

	// StableDays is the time since the last observed failure (or since the
	// quarantine opened if no failure has been seen since), in days.
	StableDays float64

	// Project-wide counts for MaxQuarantinePercentage.
	QuarantinedCount int
	TotalActiveTests int
}

// Evaluate produces the quarantine decision for one test under the given
// policy. For currently-quarantined tests only the release rules apply;
// for the rest only the quarantine rules apply.
func Evaluate(rec models.TestStabilityRecord, cfg models.PolicyConfig, ec EvalContext) models.Decision {
	if ec.Quarantined {
		return evaluateRelease(rec, cfg, ec)
	}
	return evaluateQuarantine(rec, cfg, ec)
}

func evaluateQuarantine(rec models.TestStabilityRecord, cfg models.PolicyConfig, ec EvalContext) models.Decision {
	// Zero evidence: every rate-based rule is vacuously false.
	if rec.TotalRuns == 0 {
		return models.Decision{Action: models.DecisionNone, Reason: "no runs observed"}
	}

	critical := cfg.EnableCriticalPathProtection && isCritical(rec, cfg)
	requiredStreak := cfg.ConsecutiveFailures
	if critical {
		requiredStreak = int(math.Ceil(float64(cfg.ConsecutiveFailures) * cfg.CriticalPathMultiplier))
	}

	rate := rec.FailureRate()
	var reason string
	switch {
	case rec.TotalRuns >= cfg.MinRunsRequired &&
		rate >= cfg.FailureRateThreshold &&
		rec.Confidence >= cfg.ConfidenceThreshold &&
		rec.ConsecutiveFailures >= requiredStreak:
		reason = fmt.Sprintf("failure rate %.2f >= %.2f over %d runs, %d consecutive failures",
			rate, cfg.FailureRateThreshold, rec.TotalRuns, rec.ConsecutiveFailures)

	case rapidDegradation(rec, cfg, critical):
		reason = fmt.Sprintf("rapid degradation: %d of last %d runs failed",
			recentFailures(rec, cfg.RapidDegradationWindow), cfg.RapidDegradationWindow)

	default:
		return models.Decision{Action: models.DecisionNone, Reason: "quarantine criteria not met"}
	}

	// Project-wide safety cap. The suppression must stay observable so the
	// caller can report it, hence Suppressed rather than a silent NoAction.
	if cfg.MaxQuarantinePercentage > 0 && ec.TotalActiveTests > 0 {
		next := float64(ec.QuarantinedCount+1) / float64(ec.TotalActiveTests) * 100
		if next > cfg.MaxQuarantinePercentage {
			return models.Decision{
				Action:     models.DecisionNone,
				Reason:     "quarantine cap reached",
				Suppressed: true,
			}
		}
	}

	return models.Decision{Action: models.DecisionQuarantine, Reason: reason}
}

// rapidDegradation is the expedited path: when the recent lookback window
// fails at or above the threshold on its own, MinRunsRequired and the
// confidence bound are bypassed so fast regressions are caught before
// enough history accumulates. Critical tests are excluded from the
// expedited path; they only quarantine through the stricter standard path.
func rapidDegradation(rec models.TestStabilityRecord, cfg models.PolicyConfig, critical bool) bool {
	if !cfg.EnableRapidDegradation || critical {
		return false
	}
	n := cfg.RapidDegradationWindow
	if n < 1 || len(rec.RecentOutcomes) < n {
		return false
	}
	failed := recentFailures(rec, n)
	return float64(failed)/float64(n) >= cfg.FailureRateThreshold
}

func recentFailures(rec models.TestStabilityRecord, window int) int {
	outcomes := rec.RecentOutcomes
	if len(outcomes) > window {
		outcomes = outcomes[len(outcomes)-window:]
	}
	failed := 0
	for _, f := range outcomes {
		if f {
			failed++
		}
	}
	return failed
}

func evaluateRelease(rec models.TestStabilityRecord, cfg models.PolicyConfig, ec EvalContext) models.Decision {
	elapsedDays := ec.Now.Sub(ec.QuarantinedAt).Hours() / 24
	if elapsedDays < 0 {
		elapsedDays = 0
	}

	// Force release: a quarantine may never outlive MaxQuarantinePeriodDays,
	// regardless of the success rate.
	if cfg.EnableTimeBasedRules && cfg.MaxQuarantinePeriodDays > 0 && elapsedDays > float64(cfg.MaxQuarantinePeriodDays) {
		return models.Decision{
			Action:            models.DecisionUnquarantine,
			Reason:            "max period exceeded",
			AutoUnquarantined: true,
		}
	}

	if rec.RunsSinceQuarantine < cfg.MinSuccessfulRuns {
		return models.Decision{Action: models.DecisionNone, Reason: "insufficient runs since quarantine"}
	}
	successRate := float64(rec.SuccessesSinceQuarantine) / float64(rec.RunsSinceQuarantine)
	if successRate < cfg.SuccessRateRequired {
		return models.Decision{Action: models.DecisionNone, Reason: "success rate below required"}
	}
	if cfg.EnableTimeBasedRules && ec.StableDays < float64(cfg.StabilityPeriodDays) {
		return models.Decision{Action: models.DecisionNone, Reason: "stability period not yet elapsed"}
	}

	return models.Decision{
		Action: models.DecisionUnquarantine,
		Reason: fmt.Sprintf("stable: success rate %.2f over %d runs, %.0f stable days",
			successRate, rec.RunsSinceQuarantine, ec.StableDays),
		AutoUnquarantined: true,
	}
}

// isCritical reports whether a test falls under critical path protection:
// either it is named in priorityTests or its suite is a high-impact suite.
func isCritical(rec models.TestStabilityRecord, cfg models.PolicyConfig) bool {
	for _, name := range cfg.PriorityTests {
		if name == rec.TestName {
			return true
		}
	}
	for _, suite := range cfg.HighImpactSuites {
		if suite != "" && suite == rec.TestSuite {
			return true
		}
	}
	return false
}
