package policy

import (
	"sort"
	"time"

	"github.com/flakeguard/flakeguard/internal/impact"
	"github.com/flakeguard/flakeguard/internal/models"
)

// SnapshotEntry pairs a stability record with its current quarantine state
// for simulation. Values are copies; the simulator never touches a store.
type SnapshotEntry struct {
	Record models.TestStabilityRecord
	State  models.QuarantineState
	// StableDays mirrors EvalContext.StableDays for quarantined tests.
	StableDays float64
}

// Snapshot is a read-only view of a project's tests at one point in time.
type Snapshot struct {
	ProjectID        string
	Entries          []SnapshotEntry
	QuarantinedCount int
}

// Over-quarantine sanity bounds for risk reporting.
const (
	overQuarantineRatio = 0.25

	// falsePositiveRateMargin and falsePositiveStreakSlack identify
	// borderline candidates: tests whose failure rate only just clears the
	// threshold and whose streak barely meets the requirement tend to
	// self-resolve without intervention.
	falsePositiveRateMargin  = 1.2
	falsePositiveStreakSlack = 1
)

// Simulate applies a candidate policy to the snapshot without persisting
// anything. A malformed candidate aborts the whole simulation with a
// ValidationError — there is no partial-batch concept for a read-only
// preview. Entries are walked in deterministic order and the evaluator is
// pure, so repeated calls on unchanged data return identical results.
func Simulate(cfg models.PolicyConfig, snap Snapshot, pricing models.TeamConfiguration, now time.Time) (models.SimulationResult, error) {
	if err := Validate(cfg); err != nil {
		return models.SimulationResult{}, err
	}

	entries := make([]SnapshotEntry, len(snap.Entries))
	copy(entries, snap.Entries)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Record.TestSuite != entries[j].Record.TestSuite {
			return entries[i].Record.TestSuite < entries[j].Record.TestSuite
		}
		return entries[i].Record.TestName < entries[j].Record.TestName
	})

	res := models.SimulationResult{
		ProjectID:        snap.ProjectID,
		TotalActiveTests: len(entries),
	}
	quarantined := snap.QuarantinedCount
	capHit := false

	for _, e := range entries {
		ec := EvalContext{
			Now:              now,
			Quarantined:      e.State.Quarantined,
			StableDays:       e.StableDays,
			QuarantinedCount: quarantined,
			TotalActiveTests: len(entries),
		}
		if e.State.QuarantinedAt != nil {
			ec.QuarantinedAt = *e.State.QuarantinedAt
		}

		d := Evaluate(e.Record, cfg, ec)
		switch {
		case d.Action == models.DecisionQuarantine:
			res.WouldQuarantine++
			quarantined++
			sav := impact.EstimateSavings(e.Record, pricing)
			res.EstimatedSavings.CIMinutes += sav.CIMinutes
			res.EstimatedSavings.DeveloperHours += sav.DeveloperHours
			res.EstimatedSavings.BuildsProtected += sav.BuildsProtected
			if isCritical(e.Record, cfg) {
				res.PotentialRisks.CriticalTestsAffected++
			}
			if likelyFalsePositive(e.Record, cfg) {
				res.PotentialRisks.FalsePositives++
			}
		case d.Action == models.DecisionUnquarantine:
			res.WouldUnquarantine++
			if quarantined > 0 {
				quarantined--
			}
		case d.Suppressed:
			capHit = true
		}
	}

	if capHit {
		res.PotentialRisks.OverQuarantine = true
	} else if res.TotalActiveTests > 0 &&
		float64(res.WouldQuarantine)/float64(res.TotalActiveTests) > overQuarantineRatio {
		res.PotentialRisks.OverQuarantine = true
	}

	return res, nil
}

// likelyFalsePositive flags borderline quarantine candidates: a moderate
// failure rate (within 20% above the threshold) paired with a streak that
// only just meets the requirement.
func likelyFalsePositive(rec models.TestStabilityRecord, cfg models.PolicyConfig) bool {
	rate := rec.FailureRate()
	if rate >= cfg.FailureRateThreshold*falsePositiveRateMargin {
		return false
	}
	return rec.ConsecutiveFailures <= cfg.ConsecutiveFailures+falsePositiveStreakSlack
}
