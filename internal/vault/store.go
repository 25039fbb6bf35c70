package vault

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the vault store dependency is not configured.
var ErrStoreUnavailable = errors.New("vault: store unavailable")

// ErrEntryNotFound indicates the requested vault entry does not exist.
var ErrEntryNotFound = errors.New("vault: entry not found")

// ListFilter narrows Entries queries. Limit is clamped server-side.
type ListFilter struct {
	OrganizationID uuid.UUID
	Type           EntryType
	Limit          int
	Offset         int
}

// RetentionSummary reports entry counts by retention status.
type RetentionSummary struct {
	TotalEntries       int64 `json:"total_entries"`
	Expired            int64 `json:"expired"`
	ExpiringWithinYear int64 `json:"expiring_within_year"`
	Active             int64 `json:"active"`
}

// Store provides database accessors for vault entries.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Latest(ctx context.Context, orgID uuid.UUID) (Entry, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	GetBySequence(ctx context.Context, orgID uuid.UUID, sequence int64) (Entry, error)
	List(ctx context.Context, filter ListFilter) ([]Entry, error)
	ListAscending(ctx context.Context, orgID uuid.UUID, afterSequence int64, limit int) ([]Entry, error)
	Count(ctx context.Context, orgID uuid.UUID) (int64, error)
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit, offset int) ([]Entry, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Summary(ctx context.Context, orgID uuid.UUID) (RetentionSummary, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const entryColumns = `id, organization_id, entry_type, entry_hash, previous_hash, sequence_number, content, content_hash, retention_expires_at, actor_id, actor_type, created_at`

// Insert persists a fully constructed entry. Sequence allocation and hash
// linkage happen in the Ledger before this call; the unique index on
// (organization_id, sequence_number) is the last line of defense against a
// lost-lock double append.
func (s *pgStore) Insert(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	canonical, err := CanonicalContent(entry.Content)
	if err != nil {
		return err
	}
	var prev any
	if entry.PreviousHash != nil {
		prev = *entry.PreviousHash
	}
	var actorID any
	if entry.ActorID != nil {
		actorID = *entry.ActorID
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO vault_entries (id, organization_id, entry_type, entry_hash, previous_hash, sequence_number, content, content_hash, retention_expires_at, actor_id, actor_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.OrganizationID, string(entry.Type), entry.EntryHash, prev, entry.Sequence,
		canonical, entry.ContentHash, entry.RetentionExpiresAt, actorID, string(entry.ActorType), entry.CreatedAt)
	return err
}

// Latest returns the highest-sequence entry for an organization.
func (s *pgStore) Latest(ctx context.Context, orgID uuid.UUID) (Entry, error) {
	if s == nil || s.pool == nil {
		return Entry{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE organization_id = $1 ORDER BY sequence_number DESC LIMIT 1`, orgID)
	return scanEntry(row)
}

// Get fetches one entry by ID.
func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	if s == nil || s.pool == nil {
		return Entry{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE id = $1`, id)
	return scanEntry(row)
}

// GetBySequence fetches one entry by its per-organization sequence number.
func (s *pgStore) GetBySequence(ctx context.Context, orgID uuid.UUID, sequence int64) (Entry, error) {
	if s == nil || s.pool == nil {
		return Entry{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE organization_id = $1 AND sequence_number = $2`, orgID, sequence)
	return scanEntry(row)
}

// List fetches entries newest first with optional type filtering.
func (s *pgStore) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit := clampPositive(filter.Limit, 1, 500)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	entryType := strings.TrimSpace(string(filter.Type))
	var (
		rows pgx.Rows
		err  error
	)
	if entryType != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE organization_id = $1 AND entry_type = $2 ORDER BY sequence_number DESC LIMIT $3 OFFSET $4`, filter.OrganizationID, entryType, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE organization_id = $1 ORDER BY sequence_number DESC LIMIT $2 OFFSET $3`, filter.OrganizationID, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows, limit)
}

// ListAscending fetches entries with sequence numbers above afterSequence in
// ascending order. Integrity verification pages through the chain with it so
// arbitrarily long histories never load at once.
func (s *pgStore) ListAscending(ctx context.Context, orgID uuid.UUID, afterSequence int64, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 5000)
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE organization_id = $1 AND sequence_number > $2 ORDER BY sequence_number ASC LIMIT $3`, orgID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows, limit)
}

// Count returns the number of entries for an organization.
func (s *pgStore) Count(ctx context.Context, orgID uuid.UUID) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vault_entries WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CountExpired counts entries past their retention expiry across all
// organizations.
func (s *pgStore) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vault_entries WHERE retention_expires_at <= $1`, cutoff).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// ListExpired fetches expired entries oldest first for archival.
func (s *pgStore) ListExpired(ctx context.Context, cutoff time.Time, limit, offset int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 1000)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM vault_entries WHERE retention_expires_at <= $1 ORDER BY organization_id, sequence_number LIMIT $2 OFFSET $3`, cutoff, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows, limit)
}

// DeleteExpired removes entries past their retention expiry and reports how
// many were deleted.
func (s *pgStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM vault_entries WHERE retention_expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Summary reports retention status counts for one organization, or across
// all organizations when orgID is the zero UUID.
func (s *pgStore) Summary(ctx context.Context, orgID uuid.UUID) (RetentionSummary, error) {
	if s == nil || s.pool == nil {
		return RetentionSummary{}, ErrStoreUnavailable
	}
	now := time.Now().UTC()
	year := now.Add(365 * 24 * time.Hour)
	var summary RetentionSummary
	var err error
	if orgID == uuid.Nil {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*),
COUNT(*) FILTER (WHERE retention_expires_at <= $1),
COUNT(*) FILTER (WHERE retention_expires_at > $1 AND retention_expires_at <= $2)
FROM vault_entries`, now, year).Scan(&summary.TotalEntries, &summary.Expired, &summary.ExpiringWithinYear)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*),
COUNT(*) FILTER (WHERE retention_expires_at <= $1),
COUNT(*) FILTER (WHERE retention_expires_at > $1 AND retention_expires_at <= $2)
FROM vault_entries WHERE organization_id = $3`, now, year, orgID).Scan(&summary.TotalEntries, &summary.Expired, &summary.ExpiringWithinYear)
	}
	if err != nil {
		return RetentionSummary{}, err
	}
	summary.Active = summary.TotalEntries - summary.Expired
	return summary, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	var prev, actorType sql.NullString
	var actorID *uuid.UUID
	var raw []byte
	err := row.Scan(&entry.ID, &entry.OrganizationID, (*string)(&entry.Type), &entry.EntryHash, &prev, &entry.Sequence,
		&raw, &entry.ContentHash, &entry.RetentionExpiresAt, &actorID, &actorType, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	if prev.Valid {
		entry.PreviousHash = &prev.String
	}
	entry.ActorID = actorID
	if actorType.Valid {
		entry.ActorType = ActorType(actorType.String)
	}
	content, err := decodeContent(raw)
	if err != nil {
		return Entry{}, err
	}
	entry.Content = content
	return entry, nil
}

func scanEntries(rows pgx.Rows, capacity int) ([]Entry, error) {
	entries := make([]Entry, 0, capacity)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
