package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/impact"
	"github.com/flakeguard/flakeguard/internal/models"
)

type recordKey struct {
	projectID string
	testName  string
}

// MemoryStore is the in-memory Store used for dev mode and tests. The
// single mutex gives the same per-test transition atomicity the Postgres
// store gets from its transactions.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[recordKey]models.TestStabilityRecord
	states   map[recordKey]models.QuarantineState
	ledger   []models.QuarantineLedgerEntry
	impacts  map[uuid.UUID]models.QuarantineImpact
	policies map[uuid.UUID]models.QuarantinePolicy
	configs  map[string]models.TeamConfiguration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  map[recordKey]models.TestStabilityRecord{},
		states:   map[recordKey]models.QuarantineState{},
		impacts:  map[uuid.UUID]models.QuarantineImpact{},
		policies: map[uuid.UUID]models.QuarantinePolicy{},
		configs:  map[string]models.TeamConfiguration{},
	}
}

func (m *MemoryStore) UpsertStabilityRecord(ctx context.Context, rec models.TestStabilityRecord) (models.TestStabilityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	rec.RecentOutcomes = append([]bool(nil), rec.RecentOutcomes...)
	m.records[recordKey{rec.ProjectID, rec.TestName}] = rec
	return rec, nil
}

func (m *MemoryStore) GetStabilityRecord(ctx context.Context, projectID, testName string) (models.TestStabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{projectID, testName}]
	if !ok {
		return models.TestStabilityRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListStabilityRecords(ctx context.Context, projectID string) ([]models.TestStabilityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TestStabilityRecord
	for k, rec := range m.records {
		if k.projectID == projectID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	return out, nil
}

func (m *MemoryStore) GetQuarantineState(ctx context.Context, projectID, testName string) (models.QuarantineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[recordKey{projectID, testName}]
	if !ok {
		return models.QuarantineState{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) CountQuarantined(ctx context.Context, projectID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k, st := range m.states {
		if k.projectID == projectID && st.Quarantined {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) OpenQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry) (models.QuarantineImpact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{entry.ProjectID, entry.TestName}
	if st, ok := m.states[key]; ok && st.Quarantined {
		return models.QuarantineImpact{}, ErrConflict
	}

	now := time.Now().UTC()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Action = models.ActionQuarantined
	entry.CreatedAt = now
	entry.StreamStatus = models.StreamPending
	m.ledger = append(m.ledger, entry)

	m.states[key] = models.QuarantineState{
		ProjectID:     entry.ProjectID,
		TestName:      entry.TestName,
		Quarantined:   true,
		QuarantinedAt: &now,
		UpdatedAt:     now,
	}

	// Reset release counters on the record.
	if rec, ok := m.records[key]; ok {
		rec.RunsSinceQuarantine = 0
		rec.SuccessesSinceQuarantine = 0
		rec.UpdatedAt = now
		m.records[key] = rec
	}

	imp := models.QuarantineImpact{
		ID:        uuid.New(),
		ProjectID: entry.ProjectID,
		TestName:  entry.TestName,
		StartedAt: now,
	}
	m.impacts[imp.ID] = imp
	return imp, nil
}

func (m *MemoryStore) CloseQuarantine(ctx context.Context, entry models.QuarantineLedgerEntry, auto, manual bool) (models.QuarantineImpact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{entry.ProjectID, entry.TestName}
	st, ok := m.states[key]
	if !ok || !st.Quarantined {
		return models.QuarantineImpact{}, ErrConflict
	}

	now := time.Now().UTC()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Action = models.ActionUnquarantined
	entry.CreatedAt = now
	entry.StreamStatus = models.StreamPending
	m.ledger = append(m.ledger, entry)

	st.Quarantined = false
	st.QuarantinedAt = nil
	st.UpdatedAt = now
	m.states[key] = st

	var finalized models.QuarantineImpact
	for id, imp := range m.impacts {
		if imp.ProjectID == entry.ProjectID && imp.TestName == entry.TestName && imp.FinalizedAt == nil {
			impact.Finalize(&imp, now, auto, manual)
			m.impacts[id] = imp
			finalized = imp
			break
		}
	}
	return finalized, nil
}

func (m *MemoryStore) LatestLedgerEntry(ctx context.Context, projectID, testName string) (models.QuarantineLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		if e.ProjectID == projectID && e.TestName == testName {
			return e, nil
		}
	}
	return models.QuarantineLedgerEntry{}, ErrNotFound
}

func (m *MemoryStore) ListLedgerEntries(ctx context.Context, projectID string, limit int) ([]models.QuarantineLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.QuarantineLedgerEntry
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].ProjectID == projectID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) FetchPendingLedgerEntries(ctx context.Context, batch int) ([]models.QuarantineLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batch <= 0 {
		batch = 10
	}
	var out []models.QuarantineLedgerEntry
	for i := range m.ledger {
		if len(out) >= batch {
			break
		}
		if m.ledger[i].StreamStatus == models.StreamPending {
			m.ledger[i].StreamStatus = "in_progress"
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkLedgerStreamed(ctx context.Context, id uuid.UUID, shipped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		if m.ledger[i].ID == id {
			if shipped {
				m.ledger[i].StreamStatus = models.StreamShipped
			} else {
				m.ledger[i].StreamStatus = models.StreamFailed
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetOpenImpact(ctx context.Context, projectID, testName string) (models.QuarantineImpact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, imp := range m.impacts {
		if imp.ProjectID == projectID && imp.TestName == testName && imp.FinalizedAt == nil {
			return imp, nil
		}
	}
	return models.QuarantineImpact{}, ErrNotFound
}

func (m *MemoryStore) UpdateImpact(ctx context.Context, imp models.QuarantineImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.impacts[imp.ID]; !ok {
		return ErrNotFound
	}
	m.impacts[imp.ID] = imp
	return nil
}

func (m *MemoryStore) ListImpacts(ctx context.Context, projectID string) ([]models.QuarantineImpact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QuarantineImpact
	for _, imp := range m.impacts {
		if imp.ProjectID == projectID {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) CreatePolicy(ctx context.Context, pol models.QuarantinePolicy) (models.QuarantinePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pol.ID == uuid.Nil {
		pol.ID = uuid.New()
	}
	now := time.Now().UTC()
	pol.CreatedAt = now
	pol.UpdatedAt = now
	if pol.IsActive {
		m.deactivateOthersLocked(pol.ProjectID, pol.ID)
	}
	m.policies[pol.ID] = pol
	return pol, nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, id uuid.UUID) (models.QuarantinePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pol, ok := m.policies[id]
	if !ok {
		return models.QuarantinePolicy{}, ErrNotFound
	}
	return pol, nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context, projectID string) ([]models.QuarantinePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QuarantinePolicy
	for _, pol := range m.policies {
		if pol.ProjectID == projectID {
			out = append(out, pol)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetPolicyStatus(ctx context.Context, id uuid.UUID, active bool) (models.QuarantinePolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pol, ok := m.policies[id]
	if !ok {
		return models.QuarantinePolicy{}, ErrNotFound
	}
	if active {
		m.deactivateOthersLocked(pol.ProjectID, id)
	}
	pol.IsActive = active
	pol.UpdatedAt = time.Now().UTC()
	m.policies[id] = pol
	return pol, nil
}

func (m *MemoryStore) deactivateOthersLocked(projectID string, keep uuid.UUID) {
	for id, p := range m.policies {
		if p.ProjectID == projectID && id != keep && p.IsActive {
			p.IsActive = false
			p.UpdatedAt = time.Now().UTC()
			m.policies[id] = p
		}
	}
}

func (m *MemoryStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) ActivePolicy(ctx context.Context, projectID string) (models.QuarantinePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pol := range m.policies {
		if pol.ProjectID == projectID && pol.IsActive {
			return pol, nil
		}
	}
	return models.QuarantinePolicy{}, ErrNotFound
}

func (m *MemoryStore) GetTeamConfig(ctx context.Context, projectID string) (models.TeamConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[projectID]
	if !ok {
		return models.TeamConfiguration{}, ErrNotFound
	}
	return cfg, nil
}

func (m *MemoryStore) PutTeamConfig(ctx context.Context, cfg models.TeamConfiguration) (models.TeamConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	m.configs[cfg.ProjectID] = cfg
	return cfg, nil
}

func (m *MemoryStore) QuarantineStats(ctx context.Context, projectID string) (models.QuarantineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := models.QuarantineStats{ProjectID: projectID}
	for k := range m.records {
		if k.projectID == projectID {
			stats.TotalTests++
		}
	}
	for k, st := range m.states {
		if k.projectID == projectID && st.Quarantined {
			stats.QuarantinedTests++
		}
	}
	if stats.TotalTests > 0 {
		stats.QuarantinedPercentage = float64(stats.QuarantinedTests) / float64(stats.TotalTests) * 100
	}
	for _, e := range m.ledger {
		if e.ProjectID != projectID {
			continue
		}
		if e.Action == models.ActionQuarantined && e.TriggeredBy == models.TriggeredByAuto {
			stats.AutoQuarantined++
		}
		if e.Action == models.ActionUnquarantined && e.TriggeredBy != models.TriggeredByAuto {
			stats.ManualUnquarantines++
		}
	}
	for _, imp := range m.impacts {
		if imp.ProjectID == projectID {
			stats.CIMinutesSaved += imp.CITimeWastedMin
			stats.DeveloperHoursSaved += imp.DeveloperHours
		}
	}
	return stats, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
