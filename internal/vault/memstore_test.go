package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for tests. Insert round-trips content
// through canonical bytes the way the JSONB column does, so verification
// tests exercise re-canonicalization of decoded content.
type memStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]Entry
}

func newMemStore() *memStore {
	return &memStore{entries: map[uuid.UUID][]Entry{}}
}

func (m *memStore) Insert(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	canonical, err := CanonicalContent(entry.Content)
	if err != nil {
		return err
	}
	decoded, err := decodeContent(canonical)
	if err != nil {
		return err
	}
	entry.Content = decoded
	m.entries[entry.OrganizationID] = append(m.entries[entry.OrganizationID], entry)
	return nil
}

func (m *memStore) Latest(ctx context.Context, orgID uuid.UUID) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[orgID]
	if len(list) == 0 {
		return Entry{}, ErrEntryNotFound
	}
	return list[len(list)-1], nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.entries {
		for _, entry := range list {
			if entry.ID == id {
				return entry, nil
			}
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (m *memStore) GetBySequence(ctx context.Context, orgID uuid.UUID, sequence int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries[orgID] {
		if entry.Sequence == sequence {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (m *memStore) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	list := m.entries[filter.OrganizationID]
	out := make([]Entry, 0, limit)
	skipped := 0
	for i := len(list) - 1; i >= 0; i-- {
		entry := list[i]
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListAscending(ctx context.Context, orgID uuid.UUID, afterSequence int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = DefaultVerifyBatchSize
	}
	out := make([]Entry, 0, limit)
	for _, entry := range m.entries[orgID] {
		if entry.Sequence <= afterSequence {
			continue
		}
		out = append(out, entry)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) Count(ctx context.Context, orgID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries[orgID])), nil
}

func (m *memStore) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, list := range m.entries {
		for _, entry := range list {
			if !entry.RetentionExpiresAt.After(cutoff) {
				total++
			}
		}
	}
	return total, nil
}

func (m *memStore) ListExpired(ctx context.Context, cutoff time.Time, limit, offset int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	expired := make([]Entry, 0)
	for _, list := range m.entries {
		for _, entry := range list {
			if !entry.RetentionExpiresAt.After(cutoff) {
				expired = append(expired, entry)
			}
		}
	}
	if offset >= len(expired) {
		return nil, nil
	}
	expired = expired[offset:]
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *memStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for orgID, list := range m.entries {
		kept := list[:0]
		for _, entry := range list {
			if entry.RetentionExpiresAt.After(cutoff) {
				kept = append(kept, entry)
			} else {
				deleted++
			}
		}
		m.entries[orgID] = kept
	}
	return deleted, nil
}

func (m *memStore) Summary(ctx context.Context, orgID uuid.UUID) (RetentionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	year := now.Add(365 * 24 * time.Hour)
	var summary RetentionSummary
	for org, list := range m.entries {
		if orgID != uuid.Nil && org != orgID {
			continue
		}
		for _, entry := range list {
			summary.TotalEntries++
			switch {
			case !entry.RetentionExpiresAt.After(now):
				summary.Expired++
			case !entry.RetentionExpiresAt.After(year):
				summary.ExpiringWithinYear++
			}
		}
	}
	summary.Active = summary.TotalEntries - summary.Expired
	return summary, nil
}

// tamper replaces the stored content of one entry without rehashing,
// simulating database-level modification.
func (m *memStore) tamper(orgID uuid.UUID, sequence int64, content map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[orgID]
	for i := range list {
		if list[i].Sequence == sequence {
			list[i].Content = content
		}
	}
}

// makeEntry builds a correctly hashed entry. previousHash is nil for the
// genesis entry; hashing uses the sentinel in that case.
func makeEntry(t *testing.T, orgID uuid.UUID, sequence int64, content map[string]any, previousHash *string, ts time.Time) Entry {
	t.Helper()
	hashPrev := GenesisSentinel
	if previousHash != nil {
		hashPrev = *previousHash
	}
	canonical, err := CanonicalContent(content)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	return Entry{
		ID:                 uuid.New(),
		OrganizationID:     orgID,
		Type:               TypeCalculation,
		EntryHash:          HashEntry(hashPrev, canonical, ts),
		PreviousHash:       previousHash,
		Sequence:           sequence,
		Content:            content,
		ContentHash:        HashContent(canonical),
		RetentionExpiresAt: ts.Add(RetentionPeriod),
		ActorType:          ActorSystem,
		CreatedAt:          ts,
	}
}

// insertChain inserts count correctly linked entries and returns them.
func insertChain(t *testing.T, store *memStore, orgID uuid.UUID, count int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, count)
	var prevHash *string
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 1; i <= count; i++ {
		content := map[string]any{"action": "test", "seq": i, "data": "payload"}
		ts := base.Add(time.Duration(i) * time.Second)
		entry := makeEntry(t, orgID, int64(i), content, prevHash, ts)
		if err := store.Insert(context.Background(), entry); err != nil {
			t.Fatalf("insert entry %d: %v", i, err)
		}
		entries = append(entries, entry)
		hash := entry.EntryHash
		prevHash = &hash
	}
	return entries
}
