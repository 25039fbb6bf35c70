package runs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store for tests. Transition methods enforce the
// same status guards the SQL implementation does.
type memStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*Run
	results map[uuid.UUID][]EmployeeResult
}

func newMemStore() *memStore {
	return &memStore{
		runs:    map[uuid.UUID]*Run{},
		results: map[uuid.UUID][]EmployeeResult{},
	}
}

func (m *memStore) InsertRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := run
	m.runs[run.ID] = &copied
	return nil
}

func (m *memStore) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return *run, nil
}

func (m *memStore) ListRuns(ctx context.Context, filter ListFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if run.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && run.Kind != filter.Kind {
			continue
		}
		out = append(out, *run)
	}
	return out, nil
}

func (m *memStore) LatestFinalized(ctx context.Context, orgID uuid.UUID) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Run
	for _, run := range m.runs {
		if run.OrganizationID != orgID || run.Status != StatusFinalized {
			continue
		}
		if latest == nil || (run.FinalizedAt != nil && latest.FinalizedAt != nil && run.FinalizedAt.After(*latest.FinalizedAt)) {
			latest = run
		}
	}
	if latest == nil {
		return Run{}, ErrRunNotFound
	}
	return *latest, nil
}

func (m *memStore) HasActiveRun(ctx context.Context, orgID uuid.UUID, periodStart, periodEnd time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.OrganizationID != orgID {
			continue
		}
		if run.Status == StatusFinalized || run.Status == StatusError || run.Status == StatusRejected {
			continue
		}
		if !run.PeriodStart.After(periodEnd) && !run.PeriodEnd.Before(periodStart) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	var orgs []uuid.UUID
	for _, run := range m.runs {
		if _, ok := seen[run.OrganizationID]; ok {
			continue
		}
		seen[run.OrganizationID] = struct{}{}
		orgs = append(orgs, run.OrganizationID)
	}
	return orgs, nil
}

func (m *memStore) ListStuck(ctx context.Context, olderThan time.Time) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if (run.Status == StatusSyncing || run.Status == StatusCalculating) && run.UpdatedAt.Before(olderThan) {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (m *memStore) transition(id uuid.UUID, allowed []RunStatus, apply func(*Run)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	permitted := false
	for _, status := range allowed {
		if run.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return ErrInvalidTransition
	}
	apply(run)
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) MarkSyncing(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, []RunStatus{StatusPending, StatusRejected}, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusSyncing
		run.SyncStartedAt = &now
		run.ErrorMessage = nil
	})
}

func (m *memStore) MarkCalculating(ctx context.Context, id uuid.UUID, totalEmployees int) error {
	return m.transition(id, []RunStatus{StatusSyncing, StatusRejected}, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusCalculating
		run.CalculationStartedAt = &now
		run.TotalEmployees = totalEmployees
		run.ProcessedEmployees = 0
		run.FailedEmployees = 0
		run.FlaggedEmployees = 0
	})
}

func (m *memStore) MarkPendingApproval(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, []RunStatus{StatusCalculating}, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusPendingApproval
		run.SubmittedAt = &now
		ot, tips, combined, reduction := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
		for _, result := range m.results[id] {
			if result.Status != ResultCompleted && result.Status != ResultFlagged {
				continue
			}
			ot = ot.Add(result.QualifiedOTPremium)
			tips = tips.Add(result.QualifiedTips)
			combined = combined.Add(result.CombinedCredit)
			reduction = reduction.Add(result.PhaseOutReduction)
		}
		run.TotalQualifiedOTPremium = &ot
		run.TotalQualifiedTips = &tips
		run.TotalCombinedCredit = &combined
		run.TotalPhaseOutReduction = &reduction
	})
}

func (m *memStore) Approve(ctx context.Context, id, actorID uuid.UUID) error {
	return m.transition(id, []RunStatus{StatusPendingApproval}, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusApproved
		run.ApprovedAt = &now
		actor := actorID
		run.ApprovedBy = &actor
	})
}

func (m *memStore) Reject(ctx context.Context, id, actorID uuid.UUID, reason string) error {
	return m.transition(id, []RunStatus{StatusPendingApproval}, func(run *Run) {
		run.Status = StatusRejected
		run.RejectionReason = &reason
	})
}

func (m *memStore) MarkFinalized(ctx context.Context, id uuid.UUID) error {
	return m.transition(id, []RunStatus{StatusApproved}, func(run *Run) {
		now := time.Now().UTC()
		run.Status = StatusFinalized
		run.FinalizedAt = &now
	})
}

func (m *memStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return m.transition(id, []RunStatus{
		StatusPending, StatusSyncing, StatusCalculating,
		StatusPendingApproval, StatusApproved, StatusRejected,
	}, func(run *Run) {
		run.Status = StatusError
		run.ErrorMessage = &message
	})
}

func (m *memStore) IncrementProgress(ctx context.Context, id uuid.UUID, processed, failed, flagged int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.ProcessedEmployees += processed
	run.FailedEmployees += failed
	run.FlaggedEmployees += flagged
	return nil
}

func (m *memStore) InsertResult(ctx context.Context, result EmployeeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.RunID] = append(m.results[result.RunID], result)
	return nil
}

func (m *memStore) GetResult(ctx context.Context, runID, employeeID uuid.UUID) (EmployeeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, result := range m.results[runID] {
		if result.EmployeeID == employeeID {
			return result, nil
		}
	}
	return EmployeeResult{}, ErrResultNotFound
}

func (m *memStore) ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]EmployeeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := m.results[runID]
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return append([]EmployeeResult(nil), results...), nil
}

func (m *memStore) PriorResult(ctx context.Context, orgID, employeeID uuid.UUID, before time.Time) (EmployeeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *EmployeeResult
	var bestEnd time.Time
	for runID, results := range m.results {
		run, ok := m.runs[runID]
		if !ok || run.OrganizationID != orgID || run.Status != StatusFinalized || !run.PeriodEnd.Before(before) {
			continue
		}
		for i := range results {
			result := results[i]
			if result.EmployeeID != employeeID {
				continue
			}
			if result.Status != ResultCompleted && result.Status != ResultFlagged {
				continue
			}
			if best == nil || run.PeriodEnd.After(bestEnd) {
				best = &result
				bestEnd = run.PeriodEnd
			}
		}
	}
	if best == nil {
		return EmployeeResult{}, ErrResultNotFound
	}
	return *best, nil
}
