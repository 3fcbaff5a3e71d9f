package service

import (
	"context"
	"sort"

	"github.com/flakeguard/flakeguard/internal/models"
)

// Recommendation bounds. The generated config is a starting point the user
// tunes in the policy editor, so the thresholds are clamped to a
// conservative band.
const (
	recommendMinFailureRate = 0.3
	recommendMaxFailureRate = 0.7
	recommendMinRunsFloor   = 5
	recommendMinRunsCeil    = 20
)

// RecommendedPolicy derives a suggested policy config from the project's
// observed stability records: the failure-rate threshold sits a quarter
// above the median rate of currently-failing tests, and the run minimum
// scales with how much history the project typically has. Projects with no
// failing history get the conservative defaults.
func (s *Service) RecommendedPolicy(ctx context.Context, projectID string) (models.PolicyConfig, error) {
	records, err := s.store.ListStabilityRecords(ctx, projectID)
	if err != nil {
		return models.PolicyConfig{}, err
	}

	cfg := models.PolicyConfig{
		FailureRateThreshold:    0.5,
		ConfidenceThreshold:     0.7,
		ConsecutiveFailures:     3,
		MinRunsRequired:         10,
		StabilityPeriodDays:     7,
		SuccessRateRequired:     0.95,
		MinSuccessfulRuns:       10,
		EnableRapidDegradation:  true,
		EnableTimeBasedRules:    true,
		RapidDegradationWindow:  10,
		CriticalPathMultiplier:  2,
		MaxQuarantinePeriodDays: 30,
		MaxQuarantinePercentage: 25,
	}

	var rates []float64
	var runs []int
	for _, rec := range records {
		runs = append(runs, rec.TotalRuns)
		if rec.FailedRuns > 0 {
			rates = append(rates, rec.FailureRate())
		}
	}
	if len(rates) > 0 {
		cfg.FailureRateThreshold = clamp(median(rates)*1.25, recommendMinFailureRate, recommendMaxFailureRate)
	}
	if len(runs) > 0 {
		sort.Ints(runs)
		m := runs[len(runs)/2] / 4
		if m < recommendMinRunsFloor {
			m = recommendMinRunsFloor
		}
		if m > recommendMinRunsCeil {
			m = recommendMinRunsCeil
		}
		cfg.MinRunsRequired = m
	}
	return cfg, nil
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
