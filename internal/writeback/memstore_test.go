package writeback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]Record)}
}

func (m *memStore) Insert(ctx context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record
	return nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (m *memStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []Record
	for _, record := range m.records {
		if record.RunID == runID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].EmployeeID != records[j].EmployeeID {
			return records[i].EmployeeID.String() < records[j].EmployeeID.String()
		}
		return records[i].Code < records[j].Code
	})
	return records, nil
}

func (m *memStore) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	records, _ := m.ListByRun(ctx, runID)
	return int64(len(records)), nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	allowed := false
	for _, status := range from {
		if record.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidState
	}
	record.Status = to
	record.UpdatedAt = time.Now().UTC()
	m.records[id] = record
	return nil
}

func (m *memStore) MarkApproved(ctx context.Context, id, actorID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusPending {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	record.Status = StatusApproved
	record.ApprovedBy = &actorID
	record.ApprovedAt = &now
	record.UpdatedAt = now
	m.records[id] = record
	return nil
}

func (m *memStore) MarkCompleted(ctx context.Context, id uuid.UUID, previous decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusExecuting {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	record.Status = StatusCompleted
	record.PreviousAmount = &previous
	record.ExecutedAt = &now
	record.UpdatedAt = now
	m.records[id] = record
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	record.Status = StatusFailed
	record.ErrorMessage = &message
	record.UpdatedAt = time.Now().UTC()
	m.records[id] = record
	return nil
}

func (m *memStore) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusCompleted {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	record.Status = StatusRolledBack
	record.RolledBackAt = &now
	record.UpdatedAt = now
	m.records[id] = record
	return nil
}
