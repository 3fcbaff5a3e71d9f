package models

import (
	"time"

	"github.com/google/uuid"
)

// TestStabilityRecord holds the rolling statistics for a single test in a
// project. failureRate is always derived from the counts (see FailureRate)
// and is never stored on its own.
type TestStabilityRecord struct {
	ProjectID string `json:"projectId"`
	TestName  string `json:"testName"`
	TestSuite string `json:"testSuite,omitempty"`

	TotalRuns           int     `json:"totalRuns"`
	FailedRuns          int     `json:"failedRuns"`
	Confidence          float64 `json:"confidence"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`

	// Release bookkeeping, reset when a quarantine is opened.
	RunsSinceQuarantine      int `json:"runsSinceQuarantine"`
	SuccessesSinceQuarantine int `json:"successesSinceQuarantine"`

	// RecentOutcomes records the most recent run results, oldest first,
	// true meaning the run failed. Capped at RecentOutcomeLimit entries.
	RecentOutcomes []bool `json:"recentOutcomes,omitempty"`

	LastSeen      time.Time  `json:"lastSeen"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// RecentOutcomeLimit bounds the per-test outcome ring kept for the rapid
// degradation lookback window.
const RecentOutcomeLimit = 50

// FailureRate returns failedRuns/totalRuns, or 0 when no runs have been
// observed.
func (r TestStabilityRecord) FailureRate() float64 {
	if r.TotalRuns == 0 {
		return 0
	}
	return float64(r.FailedRuns) / float64(r.TotalRuns)
}

// PolicyConfig is the declarative rule set evaluated against stability
// records. All thresholds are validated at the boundary; see Validate in
// the policy package.
type PolicyConfig struct {
	FailureRateThreshold float64 `json:"failureRateThreshold"`
	ConfidenceThreshold  float64 `json:"confidenceThreshold"`
	ConsecutiveFailures  int     `json:"consecutiveFailures"`
	MinRunsRequired      int     `json:"minRunsRequired"`

	// Release rules.
	StabilityPeriodDays int     `json:"stabilityPeriod"`
	SuccessRateRequired float64 `json:"successRateRequired"`
	MinSuccessfulRuns   int     `json:"minSuccessfulRuns"`

	HighImpactSuites []string `json:"highImpactSuites,omitempty"`
	PriorityTests    []string `json:"priorityTests,omitempty"`

	EnableRapidDegradation       bool `json:"enableRapidDegradation"`
	EnableCriticalPathProtection bool `json:"enableCriticalPathProtection"`
	EnableTimeBasedRules         bool `json:"enableTimeBasedRules"`

	// RapidDegradationWindow is the lookback length (runs) for the expedited
	// quarantine path. Required >= 1 when EnableRapidDegradation is set.
	RapidDegradationWindow int `json:"rapidDegradationWindow,omitempty"`

	// CriticalPathMultiplier scales the consecutive-failure requirement for
	// priority tests and high-impact suites. Required >= 1 when
	// EnableCriticalPathProtection is set.
	CriticalPathMultiplier float64 `json:"criticalPathMultiplier,omitempty"`

	// Optional caps; zero means unset.
	MaxQuarantinePeriodDays int     `json:"maxQuarantinePeriod,omitempty"`
	MaxQuarantinePercentage float64 `json:"maxQuarantinePercentage,omitempty"`
}

// QuarantinePolicy is a stored policy. Many may exist per project; only
// isActive=true policies drive automatic actions, and the store guarantees
// at most one is active per project.
type QuarantinePolicy struct {
	ID        uuid.UUID    `json:"id"`
	ProjectID string       `json:"projectId"`
	Name      string       `json:"name"`
	IsActive  bool         `json:"isActive"`
	Config    PolicyConfig `json:"config"`
	CreatedBy string       `json:"createdBy,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// DecisionAction is the outcome of a single policy evaluation.
type DecisionAction string

const (
	DecisionQuarantine   DecisionAction = "quarantine"
	DecisionUnquarantine DecisionAction = "unquarantine"
	DecisionNone         DecisionAction = "none"
)

// Decision is the evaluator output. Suppressed marks a would-be quarantine
// that was blocked by the project quarantine percentage cap; callers must
// be able to observe it for risk reporting.
type Decision struct {
	Action            DecisionAction `json:"action"`
	Reason            string         `json:"reason"`
	AutoUnquarantined bool           `json:"autoUnquarantined,omitempty"`
	Suppressed        bool           `json:"suppressed,omitempty"`
}

// LedgerAction is the persisted action of a ledger entry.
type LedgerAction string

const (
	ActionQuarantined   LedgerAction = "quarantined"
	ActionUnquarantined LedgerAction = "unquarantined"
	ActionExtended      LedgerAction = "extended"
)

// TriggeredByAuto marks ledger entries written by the scheduled evaluator
// rather than a user.
const TriggeredByAuto = "auto"

// QuarantineLedgerEntry is one row of the append-only quarantine history.
// The stability snapshot fields record the statistics at decision time.
type QuarantineLedgerEntry struct {
	ID        uuid.UUID    `json:"id"`
	ProjectID string       `json:"projectId"`
	TestName  string       `json:"testName"`
	TestSuite string       `json:"testSuite,omitempty"`
	Action    LedgerAction `json:"action"`
	Reason    string       `json:"reason"`
	// TriggeredBy is "auto" or the acting user id.
	TriggeredBy string `json:"triggeredBy"`

	FailureRate         float64 `json:"failureRate"`
	Confidence          float64 `json:"confidence"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`

	CreatedAt time.Time `json:"createdAt"`

	// StreamStatus tracks shipping of the entry to the event pipeline:
	// pending -> shipped | failed.
	StreamStatus string `json:"-"`
}

// Ledger stream statuses.
const (
	StreamPending = "pending"
	StreamShipped = "shipped"
	StreamFailed  = "failed"
)

// QuarantineState is the current-quarantine guard row for a test. It exists
// so the decision-and-append step can be a single atomic check-and-write;
// the ledger remains the authoritative history.
type QuarantineState struct {
	ProjectID     string     `json:"projectId"`
	TestName      string     `json:"testName"`
	Quarantined   bool       `json:"quarantined"`
	QuarantinedAt *time.Time `json:"quarantinedAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// QuarantineImpact is the running cost aggregate for one quarantine window.
// It is mutated incrementally while the test stays quarantined and
// finalized on release.
type QuarantineImpact struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"projectId"`
	TestName  string    `json:"testName"`

	BuildsBlocked      int     `json:"buildsBlocked"`
	CITimeWastedMin    float64 `json:"ciTimeWasted"`
	DeveloperHours     float64 `json:"developerHours"`
	FalsePositives     int     `json:"falsePositives"`
	QuarantinePeriodDy float64 `json:"quarantinePeriod"`

	AutoUnquarantined  bool `json:"autoUnquarantined"`
	ManualIntervention bool `json:"manualIntervention"`

	StartedAt   time.Time  `json:"startedAt"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// TeamConfiguration is the injected pricing table the impact tracker and
// simulator consume. It is project-configurable and never computed here.
type TeamConfiguration struct {
	ProjectID string `json:"projectId"`

	DeveloperHourlyCost   float64 `json:"developerHourlyCost"`
	InfraCostPerCIMinute  float64 `json:"infraCostPerCiMinute"`
	BuildsPerDay          float64 `json:"buildsPerDay"`
	TriageHoursPerFailure float64 `json:"triageHoursPerFailure"`
	CostPerDeployDelay    float64 `json:"costPerDeploymentDelay"`
	DeploymentsPerWeek    float64 `json:"deploymentsPerWeek"`

	// DefaultCIMinutesPerBuild applies when a suite has no override.
	DefaultCIMinutesPerBuild float64            `json:"defaultCiMinutesPerBuild"`
	SuiteCIMinutes           map[string]float64 `json:"suiteCiMinutes,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// CIMinutesForSuite returns the average CI duration for a suite, falling
// back to the project default.
func (t TeamConfiguration) CIMinutesForSuite(suite string) float64 {
	if m, ok := t.SuiteCIMinutes[suite]; ok && m > 0 {
		return m
	}
	return t.DefaultCIMinutesPerBuild
}

// QuarantinedTest is the list-endpoint shape: record plus latest ledger
// entry plus running impact.
type QuarantinedTest struct {
	Record      TestStabilityRecord    `json:"record"`
	LatestEntry *QuarantineLedgerEntry `json:"latestEntry,omitempty"`
	Impact      *QuarantineImpact      `json:"impact,omitempty"`
}

// QuarantineStats is the per-project dashboard aggregate.
type QuarantineStats struct {
	ProjectID             string  `json:"projectId"`
	TotalTests            int     `json:"totalTests"`
	QuarantinedTests      int     `json:"quarantinedTests"`
	QuarantinedPercentage float64 `json:"quarantinedPercentage"`
	AutoQuarantined       int     `json:"autoQuarantined"`
	ManualUnquarantines   int     `json:"manualUnquarantines"`
	CIMinutesSaved        float64 `json:"ciMinutesSaved"`
	DeveloperHoursSaved   float64 `json:"developerHoursSaved"`
}

// EstimatedSavings is the simulator's forecast of what quarantining the
// candidate set would save.
type EstimatedSavings struct {
	CIMinutes       float64 `json:"ciMinutes"`
	DeveloperHours  float64 `json:"developerHours"`
	BuildsProtected int     `json:"buildsProtected"`
}

// PotentialRisks reports simulator-estimated downsides of a candidate
// policy.
type PotentialRisks struct {
	FalsePositives        int  `json:"falsePositives"`
	OverQuarantine        bool `json:"overQuarantine"`
	CriticalTestsAffected int  `json:"criticalTestsAffected"`
}

// SimulationResult is the read-only outcome of applying a candidate policy
// to a project snapshot.
type SimulationResult struct {
	ProjectID        string           `json:"projectId"`
	WouldQuarantine  int              `json:"wouldQuarantine"`
	WouldUnquarantine int             `json:"wouldUnquarantine"`
	EstimatedSavings EstimatedSavings `json:"estimatedSavings"`
	PotentialRisks   PotentialRisks   `json:"potentialRisks"`
	TotalActiveTests int              `json:"totalActiveTests"`
}

// TestError isolates a single test's evaluation failure inside a batch run.
type TestError struct {
	TestName string `json:"testName"`
	Error    string `json:"error"`
}

// RunReport summarizes one stability-check invocation across a project.
type RunReport struct {
	ProjectID     string      `json:"projectId"`
	Evaluated     int         `json:"evaluated"`
	Quarantined   int         `json:"quarantined"`
	Unquarantined int         `json:"unquarantined"`
	Suppressed    int         `json:"suppressed"`
	Conflicts     int         `json:"conflicts"`
	Errors        []TestError `json:"errors,omitempty"`
	StartedAt     time.Time   `json:"startedAt"`
	FinishedAt    time.Time   `json:"finishedAt"`
}
