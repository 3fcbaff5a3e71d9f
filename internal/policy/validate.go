package policy

import (
	"fmt"
	"strings"

	"github.com/flakeguard/flakeguard/internal/models"
)

// ValidationError reports every violated policy field, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "policy validation failed: " + strings.Join(e.Violations, "; ")
}

// Validate checks every PolicyConfig field against its declared range and
// returns a ValidationError enumerating all violations.
func Validate(cfg models.PolicyConfig) error {
	var v []string

	if cfg.FailureRateThreshold < 0 || cfg.FailureRateThreshold > 1 {
		v = append(v, fmt.Sprintf("failureRateThreshold must be in [0,1], got %v", cfg.FailureRateThreshold))
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		v = append(v, fmt.Sprintf("confidenceThreshold must be in [0,1], got %v", cfg.ConfidenceThreshold))
	}
	if cfg.ConsecutiveFailures < 1 {
		v = append(v, fmt.Sprintf("consecutiveFailures must be >= 1, got %d", cfg.ConsecutiveFailures))
	}
	if cfg.MinRunsRequired < 1 {
		v = append(v, fmt.Sprintf("minRunsRequired must be >= 1, got %d", cfg.MinRunsRequired))
	}
	if cfg.StabilityPeriodDays < 0 {
		v = append(v, fmt.Sprintf("stabilityPeriod must be >= 0, got %d", cfg.StabilityPeriodDays))
	}
	if cfg.SuccessRateRequired < 0 || cfg.SuccessRateRequired > 1 {
		v = append(v, fmt.Sprintf("successRateRequired must be in [0,1], got %v", cfg.SuccessRateRequired))
	}
	if cfg.MinSuccessfulRuns < 1 {
		v = append(v, fmt.Sprintf("minSuccessfulRuns must be >= 1, got %d", cfg.MinSuccessfulRuns))
	}
	if cfg.EnableRapidDegradation && cfg.RapidDegradationWindow < 1 {
		v = append(v, fmt.Sprintf("rapidDegradationWindow must be >= 1 when rapid degradation is enabled, got %d", cfg.RapidDegradationWindow))
	}
	if cfg.EnableCriticalPathProtection && cfg.CriticalPathMultiplier < 1 {
		v = append(v, fmt.Sprintf("criticalPathMultiplier must be >= 1 when critical path protection is enabled, got %v", cfg.CriticalPathMultiplier))
	}
	if cfg.MaxQuarantinePeriodDays < 0 {
		v = append(v, fmt.Sprintf("maxQuarantinePeriod must be >= 0, got %d", cfg.MaxQuarantinePeriodDays))
	}
	if cfg.MaxQuarantinePercentage < 0 || cfg.MaxQuarantinePercentage > 100 {
		v = append(v, fmt.Sprintf("maxQuarantinePercentage must be in [0,100], got %v", cfg.MaxQuarantinePercentage))
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}
