package writeback

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// ErrStoreUnavailable indicates the write-back store is not configured.
var ErrStoreUnavailable = errors.New("writeback: store unavailable")

// ErrRecordNotFound indicates the requested record does not exist.
var ErrRecordNotFound = errors.New("writeback: record not found")

// Store provides database accessors for write-back records.
type Store interface {
	Insert(ctx context.Context, record Record) error
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error)
	CountByRun(ctx context.Context, runID uuid.UUID) (int64, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) error
	MarkApproved(ctx context.Context, id, actorID uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, previous decimal.Decimal) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	MarkRolledBack(ctx context.Context, id uuid.UUID) error
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const recordColumns = `id, organization_id, run_id, employee_id, box12_code,
amount::text, previous_amount::text, status, error_message,
approved_by, approved_at, executed_at, rolled_back_at, created_at, updated_at`

func (s *pgStore) Insert(ctx context.Context, record Record) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO writeback_records
(id, organization_id, run_id, employee_id, box12_code, amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		record.ID, record.OrganizationID, record.RunID, record.EmployeeID,
		string(record.Code), record.Amount.String(), string(record.Status), record.CreatedAt)
	return err
}

func (s *pgStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM writeback_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (s *pgStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM writeback_records
WHERE run_id = $1 ORDER BY employee_id, box12_code`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *pgStore) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM writeback_records WHERE run_id = $1`, runID).Scan(&total)
	return total, err
}

func (s *pgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	statuses := make([]string, 0, len(from))
	for _, status := range from {
		statuses = append(statuses, string(status))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE writeback_records SET status = $2, updated_at = now()
WHERE id = $1 AND status = ANY($3)`, id, string(to), statuses)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *pgStore) MarkApproved(ctx context.Context, id, actorID uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE writeback_records SET status = 'approved', approved_by = $2, approved_at = now(), updated_at = now()
WHERE id = $1 AND status = 'pending'`, id, actorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *pgStore) MarkCompleted(ctx context.Context, id uuid.UUID, previous decimal.Decimal) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE writeback_records SET status = 'completed', previous_amount = $2, executed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'executing'`, id, previous.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *pgStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE writeback_records SET status = 'failed', error_message = $2, updated_at = now()
WHERE id = $1`, id, message)
	return err
}

func (s *pgStore) MarkRolledBack(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE writeback_records SET status = 'rolled_back', rolled_back_at = now(), updated_at = now()
WHERE id = $1 AND status = 'completed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var record Record
	var code, status, amount string
	var previous, errMsg sql.NullString
	err := row.Scan(&record.ID, &record.OrganizationID, &record.RunID, &record.EmployeeID, &code,
		&amount, &previous, &status, &errMsg,
		&record.ApprovedBy, &record.ApprovedAt, &record.ExecutedAt, &record.RolledBackAt,
		&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	record.Code = Code(code)
	record.Status = Status(status)
	parsed, err := money.FromString(amount)
	if err != nil {
		return Record{}, err
	}
	record.Amount = parsed
	if previous.Valid {
		prev, err := money.FromString(previous.String)
		if err != nil {
			return Record{}, err
		}
		record.PreviousAmount = &prev
	}
	if errMsg.Valid {
		record.ErrorMessage = &errMsg.String
	}
	return record, nil
}
