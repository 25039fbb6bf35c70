package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/safeharborhq/compliance-core/internal/lock"
)

// ErrInvalidAppend indicates the append request was malformed.
var ErrInvalidAppend = errors.New("vault: invalid append request")

// DefaultLockTTL bounds how long one append may hold an organization's
// chain lock.
const DefaultLockTTL = 10 * time.Second

// appendSequenceRetries bounds how often one append re-reads the chain tail
// after losing an (org, sequence) race to a competing writer.
const appendSequenceRetries = 3

func isSequenceConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Ledger appends hash-chained entries. Appends for one organization are
// serialized through a distributed lock: sequence allocation and previous
// hash linkage require a read-latest-then-write critical section. Appends
// for different organizations proceed independently.
type Ledger struct {
	Store   Store
	Locker  lock.Locker
	Log     zerolog.Logger
	LockTTL time.Duration
}

func appendLockKey(orgID uuid.UUID) string {
	return "vault:append:" + orgID.String()
}

// Append records a new entry at the tail of the organization's chain and
// returns it with its hash, sequence number, and retention expiry populated.
func (l *Ledger) Append(ctx context.Context, orgID uuid.UUID, entryType EntryType, content map[string]any, actor Actor) (Entry, error) {
	if l == nil || l.Store == nil {
		return Entry{}, ErrStoreUnavailable
	}
	if orgID == uuid.Nil {
		return Entry{}, fmt.Errorf("%w: organization id is required", ErrInvalidAppend)
	}
	if entryType == "" {
		return Entry{}, fmt.Errorf("%w: entry type is required", ErrInvalidAppend)
	}
	if content == nil {
		return Entry{}, fmt.Errorf("%w: content is required", ErrInvalidAppend)
	}
	if actor.Type == "" {
		actor.Type = ActorSystem
	}

	ttl := l.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	canonical, err := CanonicalContent(content)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	err = l.Locker.WithLock(ctx, appendLockKey(orgID), ttl, func(ctx context.Context) error {
		// If the lock expired mid-append and a competing writer claimed the
		// sequence, the (org, sequence) unique index rejects the insert.
		// Re-read the tail and retry a bounded number of times.
		var insertErr error
		for attempt := 0; attempt < appendSequenceRetries; attempt++ {
			var previousHash *string
			hashInputPrev := GenesisSentinel
			sequence := int64(1)

			latest, err := l.Store.Latest(ctx, orgID)
			switch {
			case err == nil:
				previousHash = &latest.EntryHash
				hashInputPrev = latest.EntryHash
				sequence = latest.Sequence + 1
			case errors.Is(err, ErrEntryNotFound):
			default:
				return err
			}

			now := time.Now().UTC().Truncate(time.Microsecond)
			entry = Entry{
				ID:                 uuid.New(),
				OrganizationID:     orgID,
				Type:               entryType,
				EntryHash:          HashEntry(hashInputPrev, canonical, now),
				PreviousHash:       previousHash,
				Sequence:           sequence,
				Content:            content,
				ContentHash:        HashContent(canonical),
				RetentionExpiresAt: now.Add(RetentionPeriod),
				ActorID:            actor.ID,
				ActorType:          actor.Type,
				CreatedAt:          now,
			}
			insertErr = l.Store.Insert(ctx, entry)
			if !isSequenceConflict(insertErr) {
				return insertErr
			}
			l.Log.Warn().
				Str("organization_id", orgID.String()).
				Int64("sequence", sequence).
				Msg("vault sequence conflict; re-reading chain tail")
		}
		return fmt.Errorf("vault: sequence contention persisted after %d attempts: %w", appendSequenceRetries, insertErr)
	})
	if err != nil {
		return Entry{}, err
	}

	l.Log.Info().
		Str("organization_id", orgID.String()).
		Str("entry_type", string(entryType)).
		Int64("sequence", entry.Sequence).
		Str("entry_hash", hashPrefix(entry.EntryHash)).
		Msg("vault entry appended")
	return entry, nil
}

// AppendCalculation records one completed employee calculation.
func (l *Ledger) AppendCalculation(ctx context.Context, orgID, runID, employeeID uuid.UUID, data map[string]any, actor Actor) (Entry, error) {
	content := map[string]any{
		"action":             "calculation_completed",
		"calculation_run_id": runID.String(),
		"employee_id":        employeeID.String(),
	}
	for k, v := range data {
		content[k] = v
	}
	return l.Append(ctx, orgID, TypeCalculation, content, actor)
}

// AppendClassification records one occupation classification.
func (l *Ledger) AppendClassification(ctx context.Context, orgID, employeeID uuid.UUID, data map[string]any, actor Actor) (Entry, error) {
	content := map[string]any{
		"action":      "ttoc_classification",
		"employee_id": employeeID.String(),
	}
	for k, v := range data {
		content[k] = v
	}
	return l.Append(ctx, orgID, TypeClassification, content, actor)
}

// AppendApproval records an approval or rejection decision on an entity.
func (l *Ledger) AppendApproval(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, action string, actorID uuid.UUID, details map[string]any) (Entry, error) {
	if details == nil {
		details = map[string]any{}
	}
	content := map[string]any{
		"action":      action,
		"entity_type": entityType,
		"entity_id":   entityID.String(),
		"details":     details,
	}
	return l.Append(ctx, orgID, TypeApproval, content, Actor{ID: &actorID, Type: ActorUser})
}

// AppendWriteBack records values pushed to an external payroll system.
func (l *Ledger) AppendWriteBack(ctx context.Context, orgID uuid.UUID, data map[string]any, actor Actor) (Entry, error) {
	return l.Append(ctx, orgID, TypeWriteBack, data, actor)
}

// Entry fetches one entry by ID.
func (l *Ledger) Entry(ctx context.Context, id uuid.UUID) (Entry, error) {
	if l == nil || l.Store == nil {
		return Entry{}, ErrStoreUnavailable
	}
	return l.Store.Get(ctx, id)
}

// Entries lists entries newest first with optional type filtering.
func (l *Ledger) Entries(ctx context.Context, filter ListFilter) ([]Entry, error) {
	if l == nil || l.Store == nil {
		return nil, ErrStoreUnavailable
	}
	return l.Store.List(ctx, filter)
}

// Count returns the total number of entries for an organization.
func (l *Ledger) Count(ctx context.Context, orgID uuid.UUID) (int64, error) {
	if l == nil || l.Store == nil {
		return 0, ErrStoreUnavailable
	}
	return l.Store.Count(ctx, orgID)
}
