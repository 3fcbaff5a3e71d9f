package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/auth"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/service"
	"github.com/flakeguard/flakeguard/internal/store"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*store.MemoryStore, http.Handler) {
	t.Helper()
	m := store.NewMemoryStore()
	svc := service.New(m)
	runner := jobs.NewRunner(time.Minute)
	verifier := auth.NewVerifier(testSecret, false)
	srv := New(config.Config{}, svc, m, runner, verifier)
	return m, srv.Router()
}

func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "user-1",
		"org":   "org-1",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func doRequest(t *testing.T, router http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validConfig() models.PolicyConfig {
	return models.PolicyConfig{
		FailureRateThreshold: 0.5,
		ConfidenceThreshold:  0.7,
		ConsecutiveFailures:  3,
		MinRunsRequired:      5,
		StabilityPeriodDays:  7,
		SuccessRateRequired:  0.95,
		MinSuccessfulRuns:    10,
	}
}

func TestRoutesRequireToken(t *testing.T) {
	_, router := newTestServer(t)
	rec := doRequest(t, router, "GET", "/api/quarantine/p1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMutationsRequireAdminRole(t *testing.T) {
	_, router := newTestServer(t)
	body, _ := json.Marshal(map[string]interface{}{
		"projectId": "p1", "name": "pol", "config": validConfig(),
	})
	rec := doRequest(t, router, "POST", "/api/quarantine/policies", body, signToken(t, auth.RoleMember))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, "POST", "/api/quarantine/policies", body, signToken(t, auth.RoleAdmin))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreatePolicyValidationFailureIs400(t *testing.T) {
	_, router := newTestServer(t)
	cfg := validConfig()
	cfg.FailureRateThreshold = 2

	body, _ := json.Marshal(map[string]interface{}{"projectId": "p1", "name": "bad", "config": cfg})
	rec := doRequest(t, router, "POST", "/api/quarantine/policies", body, signToken(t, auth.RoleAdmin))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "failureRateThreshold")
}

func TestSimulateEndpoint(t *testing.T) {
	m, router := newTestServer(t)
	ctx := context.Background()
	_, err := m.UpsertStabilityRecord(ctx, models.TestStabilityRecord{
		ProjectID:           "p1",
		TestName:            "TestFlaky",
		TotalRuns:           20,
		FailedRuns:          12,
		Confidence:          0.8,
		ConsecutiveFailures: 4,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]interface{}{"projectId": "p1", "config": validConfig()})
	rec := doRequest(t, router, "POST", "/api/quarantine/policies/simulate", body, signToken(t, auth.RoleMember))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res models.SimulationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.WouldQuarantine)
	assert.Equal(t, 1, res.TotalActiveTests)

	// Simulation persisted nothing.
	n, err := m.CountQuarantined(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnquarantineConflictIs409(t *testing.T) {
	_, router := newTestServer(t)
	body, _ := json.Marshal(map[string]string{
		"projectId": "p1", "testName": "TestNotQuarantined", "reason": "oops",
	})
	rec := doRequest(t, router, "POST", "/api/quarantine/unquarantine", body, signToken(t, auth.RoleOwner))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunCheckReturnsPollableJob(t *testing.T) {
	m, router := newTestServer(t)
	ctx := context.Background()

	svc := service.New(m)
	_, err := svc.CreatePolicy(ctx, models.QuarantinePolicy{
		ProjectID: "p1", Name: "default", IsActive: true, Config: validConfig(),
	})
	require.NoError(t, err)

	rec := doRequest(t, router, "POST", "/api/quarantine/run-check/p1", nil, signToken(t, auth.RoleAdmin))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["jobId"]
	require.NotEmpty(t, jobID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doRequest(t, router, "GET", "/api/quarantine/jobs/"+jobID, nil, signToken(t, auth.RoleMember))
		require.Equal(t, http.StatusOK, rec.Code)
		var job jobs.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.Status != jobs.StatusRunning {
			assert.Equal(t, jobs.StatusCompleted, job.Status)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not settle in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobNotFoundIs404(t *testing.T) {
	_, router := newTestServer(t)
	rec := doRequest(t, router, "GET", "/api/quarantine/jobs/6f1c0a9e-0000-4000-8000-000000000000", nil, signToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndListQuarantined(t *testing.T) {
	_, router := newTestServer(t)
	admin := signToken(t, auth.RoleAdmin)

	// Default empty list.
	rec := doRequest(t, router, "GET", "/api/quarantine/p1", nil, signToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	body, _ := json.Marshal(service.ResultInput{ProjectID: "p1", TestName: "TestA", Passed: false})
	rec = doRequest(t, router, "POST", "/api/quarantine/results", body, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	var stored models.TestStabilityRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, 1, stored.TotalRuns)
	assert.Equal(t, 1, stored.FailedRuns)
}

func TestTeamConfigRoundTrip(t *testing.T) {
	_, router := newTestServer(t)
	admin := signToken(t, auth.RoleAdmin)

	// Unset config serves the defaults.
	rec := doRequest(t, router, "GET", "/api/quarantine/team-config/p1", nil, signToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg models.TeamConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.InDelta(t, 95, cfg.DeveloperHourlyCost, 1e-9)

	cfg.BuildsPerDay = 42
	body, _ := json.Marshal(cfg)
	rec = doRequest(t, router, "PUT", "/api/quarantine/team-config/p1", body, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, "GET", "/api/quarantine/team-config/p1", nil, signToken(t))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.InDelta(t, 42, cfg.BuildsPerDay, 1e-9)
}

func TestHistoryEndpoint(t *testing.T) {
	m, router := newTestServer(t)
	ctx := context.Background()

	_, err := m.OpenQuarantine(ctx, models.QuarantineLedgerEntry{
		ProjectID: "p1", TestName: "TestA", Reason: "flaky", TriggeredBy: "auto",
	})
	require.NoError(t, err)
	_, err = m.CloseQuarantine(ctx, models.QuarantineLedgerEntry{
		ProjectID: "p1", TestName: "TestA", Reason: "manual", TriggeredBy: "user-1",
	}, false, true)
	require.NoError(t, err)

	rec := doRequest(t, router, "GET", "/api/quarantine/history/p1?limit=1", nil, signToken(t))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []models.QuarantineLedgerEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionUnquarantined, entries[0].Action)

	rec = doRequest(t, router, "GET", "/api/quarantine/history/p1?limit=bogus", nil, signToken(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	_, router := newTestServer(t)
	rec := doRequest(t, router, "GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, "GET", "/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
