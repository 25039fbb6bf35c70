package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// ErrStoreUnavailable indicates the runs store dependency is not configured.
var ErrStoreUnavailable = errors.New("runs: store unavailable")

// ErrRunNotFound indicates the requested run does not exist.
var ErrRunNotFound = errors.New("runs: run not found")

// ErrResultNotFound indicates the requested employee result does not exist.
var ErrResultNotFound = errors.New("runs: result not found")

// ErrInvalidTransition indicates the run is not in a status that permits the
// requested transition. Guarded UPDATEs surface it when another writer moved
// the run first.
var ErrInvalidTransition = errors.New("runs: invalid status transition")

// ListFilter narrows ListRuns queries. Limit is clamped server-side.
type ListFilter struct {
	OrganizationID uuid.UUID
	Status         RunStatus
	Kind           RunKind
	Limit          int
	Offset         int
}

// Store provides database accessors for calculation runs and their
// per-employee results.
type Store interface {
	InsertRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]Run, error)
	LatestFinalized(ctx context.Context, orgID uuid.UUID) (Run, error)
	HasActiveRun(ctx context.Context, orgID uuid.UUID, periodStart, periodEnd time.Time) (bool, error)
	ListStuck(ctx context.Context, olderThan time.Time) ([]Run, error)
	Organizations(ctx context.Context) ([]uuid.UUID, error)

	MarkSyncing(ctx context.Context, id uuid.UUID) error
	MarkCalculating(ctx context.Context, id uuid.UUID, totalEmployees int) error
	MarkPendingApproval(ctx context.Context, id uuid.UUID) error
	Approve(ctx context.Context, id, actorID uuid.UUID) error
	Reject(ctx context.Context, id, actorID uuid.UUID, reason string) error
	MarkFinalized(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	IncrementProgress(ctx context.Context, id uuid.UUID, processed, failed, flagged int) error

	InsertResult(ctx context.Context, result EmployeeResult) error
	GetResult(ctx context.Context, runID, employeeID uuid.UUID) (EmployeeResult, error)
	ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]EmployeeResult, error)
	PriorResult(ctx context.Context, orgID, employeeID uuid.UUID, before time.Time) (EmployeeResult, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const runColumns = `id, organization_id, period_start, period_end, tax_year, run_kind, status,
total_employees, processed_employees, failed_employees, flagged_employees,
total_qualified_ot_premium::text, total_qualified_tips::text, total_combined_credit::text, total_phase_out_reduction::text,
previous_run_id, engine_versions, sync_started_at, calculation_started_at,
submitted_at, submitted_by, approved_at, approved_by, finalized_at,
rejection_reason, error_message, created_at, updated_at`

func (s *pgStore) InsertRun(ctx context.Context, run Run) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	versions, err := json.Marshal(run.EngineVersions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO calculation_runs
(id, organization_id, period_start, period_end, tax_year, run_kind, status, previous_run_id, engine_versions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		run.ID, run.OrganizationID, run.PeriodStart, run.PeriodEnd, run.TaxYear,
		string(run.Kind), string(run.Status), run.PreviousRunID, versions, run.CreatedAt)
	return err
}

func (s *pgStore) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	if s == nil || s.pool == nil {
		return Run{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM calculation_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *pgStore) ListRuns(ctx context.Context, filter ListFilter) ([]Run, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit := clampPositive(filter.Limit, 1, 200)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + runColumns + ` FROM calculation_runs WHERE organization_id = $1`
	args := []any{filter.OrganizationID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $2`
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		if filter.Status != "" {
			query += ` AND run_kind = $3`
		} else {
			query += ` AND run_kind = $2`
		}
	}
	args = append(args, limit, offset)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows, limit)
}

// LatestFinalized returns the most recently finalized run for an organization.
func (s *pgStore) LatestFinalized(ctx context.Context, orgID uuid.UUID) (Run, error) {
	if s == nil || s.pool == nil {
		return Run{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM calculation_runs
WHERE organization_id = $1 AND status = 'finalized' ORDER BY finalized_at DESC LIMIT 1`, orgID)
	return scanRun(row)
}

// HasActiveRun reports whether a non-terminal run already covers an
// overlapping period for the organization.
func (s *pgStore) HasActiveRun(ctx context.Context, orgID uuid.UUID, periodStart, periodEnd time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calculation_runs
WHERE organization_id = $1 AND status NOT IN ('finalized', 'error', 'rejected')
AND period_start <= $3 AND period_end >= $2)`, orgID, periodStart, periodEnd).Scan(&exists)
	return exists, err
}

// ListStuck returns runs that have been syncing or calculating since before
// olderThan. The stale-run sweeper moves them to error.
func (s *pgStore) ListStuck(ctx context.Context, olderThan time.Time) ([]Run, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM calculation_runs
WHERE status IN ('syncing', 'calculating') AND updated_at < $1 ORDER BY updated_at`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows, 16)
}

// Organizations returns every organization that has at least one run.
// Periodic sweeps iterate over it.
func (s *pgStore) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT organization_id FROM calculation_runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orgs = append(orgs, id)
	}
	return orgs, rows.Err()
}

func (s *pgStore) MarkSyncing(ctx context.Context, id uuid.UUID) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'syncing', sync_started_at = now(), error_message = NULL, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'rejected')`, id)
}

func (s *pgStore) MarkCalculating(ctx context.Context, id uuid.UUID, totalEmployees int) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'calculating', calculation_started_at = now(),
total_employees = $2, processed_employees = 0, failed_employees = 0, flagged_employees = 0, updated_at = now()
WHERE id = $1 AND status IN ('syncing', 'rejected')`, id, totalEmployees)
}

// MarkPendingApproval transitions a calculating run and rolls its employee
// results up into the run aggregates in the same statement.
func (s *pgStore) MarkPendingApproval(ctx context.Context, id uuid.UUID) error {
	return s.guarded(ctx, `UPDATE calculation_runs r SET status = 'pending_approval', submitted_at = now(), updated_at = now(),
total_qualified_ot_premium = agg.ot,
total_qualified_tips = agg.tips,
total_combined_credit = agg.combined,
total_phase_out_reduction = agg.reduction
FROM (SELECT COALESCE(SUM(qualified_ot_premium), 0) AS ot,
             COALESCE(SUM(qualified_tips), 0) AS tips,
             COALESCE(SUM(combined_credit), 0) AS combined,
             COALESCE(SUM(phase_out_reduction), 0) AS reduction
        FROM employee_calculation_results
       WHERE run_id = $1 AND status IN ('completed', 'flagged')) agg
WHERE r.id = $1 AND r.status = 'calculating'`, id)
}

func (s *pgStore) Approve(ctx context.Context, id, actorID uuid.UUID) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'approved', approved_at = now(), approved_by = $2, updated_at = now()
WHERE id = $1 AND status = 'pending_approval'`, id, actorID)
}

func (s *pgStore) Reject(ctx context.Context, id, actorID uuid.UUID, reason string) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'rejected', rejection_reason = $3, approved_by = $2, updated_at = now()
WHERE id = $1 AND status = 'pending_approval'`, id, actorID, reason)
}

func (s *pgStore) MarkFinalized(ctx context.Context, id uuid.UUID) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'finalized', finalized_at = now(), updated_at = now()
WHERE id = $1 AND status = 'approved'`, id)
}

func (s *pgStore) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	return s.guarded(ctx, `UPDATE calculation_runs SET status = 'error', error_message = $2, updated_at = now()
WHERE id = $1 AND status NOT IN ('finalized', 'error')`, id, message)
}

// IncrementProgress atomically adds to the run counters. Orchestrator workers
// batch their deltas, so concurrent flushes must not lose updates.
func (s *pgStore) IncrementProgress(ctx context.Context, id uuid.UUID, processed, failed, flagged int) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE calculation_runs SET
processed_employees = processed_employees + $2,
failed_employees = failed_employees + $3,
flagged_employees = flagged_employees + $4,
updated_at = now()
WHERE id = $1`, id, processed, failed, flagged)
	return err
}

func (s *pgStore) guarded(ctx context.Context, query string, args ...any) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

const resultColumns = `id, run_id, employee_id, status,
regular_hours::text, overtime_hours::text, state_overtime_hours::text, double_time_hours::text, total_hours::text,
gross_wages::text, regular_rate::text, qualified_ot_premium::text, total_tips::text, qualified_tips::text,
classification_code, classification_confidence,
magi_estimate::text, phase_out_percentage::text, phase_out_reduction::text,
ot_credit_final::text, tip_credit_final::text, combined_credit::text,
anomaly_flags, calculation_trace, inputs_hash, error_message, created_at, updated_at`

func (s *pgStore) InsertResult(ctx context.Context, result EmployeeResult) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	trace, err := json.Marshal(result.Trace)
	if err != nil {
		return err
	}
	flags := result.Flags
	if flags == nil {
		flags = []string{}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO employee_calculation_results
(id, run_id, employee_id, status,
 regular_hours, overtime_hours, state_overtime_hours, double_time_hours, total_hours,
 gross_wages, regular_rate, qualified_ot_premium, total_tips, qualified_tips,
 classification_code, classification_confidence,
 magi_estimate, phase_out_percentage, phase_out_reduction,
 ot_credit_final, tip_credit_final, combined_credit,
 anomaly_flags, calculation_trace, inputs_hash, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $27)`,
		result.ID, result.RunID, result.EmployeeID, string(result.Status),
		result.RegularHours.String(), result.OvertimeHours.String(), result.StateOvertimeHours.String(), result.DoubleTimeHours.String(), result.TotalHours.String(),
		result.GrossWages.String(), result.RegularRate.String(), result.QualifiedOTPremium.String(), result.TotalTips.String(), result.QualifiedTips.String(),
		result.ClassificationCode, result.ClassificationConfidence,
		result.MAGIEstimate.String(), result.PhaseOutPercentage.String(), result.PhaseOutReduction.String(),
		result.OTCreditFinal.String(), result.TipCreditFinal.String(), result.CombinedCredit.String(),
		flags, trace, result.InputsHash, result.ErrorMessage, result.CreatedAt)
	return err
}

func (s *pgStore) GetResult(ctx context.Context, runID, employeeID uuid.UUID) (EmployeeResult, error) {
	if s == nil || s.pool == nil {
		return EmployeeResult{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM employee_calculation_results
WHERE run_id = $1 AND employee_id = $2`, runID, employeeID)
	return scanResult(row)
}

func (s *pgStore) ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]EmployeeResult, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+resultColumns+` FROM employee_calculation_results
WHERE run_id = $1 ORDER BY employee_id LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]EmployeeResult, 0, limit)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// PriorResult returns the employee's most recent completed result from an
// earlier finalized run. Anomaly detection compares against it.
func (s *pgStore) PriorResult(ctx context.Context, orgID, employeeID uuid.UUID, before time.Time) (EmployeeResult, error) {
	if s == nil || s.pool == nil {
		return EmployeeResult{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+prefixColumns("res", resultColumns)+`
FROM employee_calculation_results res
JOIN calculation_runs r ON r.id = res.run_id
WHERE r.organization_id = $1 AND res.employee_id = $2
  AND r.status = 'finalized' AND r.period_end < $3
  AND res.status IN ('completed', 'flagged')
ORDER BY r.period_end DESC LIMIT 1`, orgID, employeeID, before)
	return scanResult(row)
}

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var kind, status string
	var ot, tips, combined, reduction, reason, errMsg sql.NullString
	var versions []byte
	err := row.Scan(&run.ID, &run.OrganizationID, &run.PeriodStart, &run.PeriodEnd, &run.TaxYear, &kind, &status,
		&run.TotalEmployees, &run.ProcessedEmployees, &run.FailedEmployees, &run.FlaggedEmployees,
		&ot, &tips, &combined, &reduction,
		&run.PreviousRunID, &versions, &run.SyncStartedAt, &run.CalculationStartedAt,
		&run.SubmittedAt, &run.SubmittedBy, &run.ApprovedAt, &run.ApprovedBy, &run.FinalizedAt,
		&reason, &errMsg, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &run.EngineVersions); err != nil {
			return Run{}, err
		}
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **decimal.Decimal
	}{
		{ot, &run.TotalQualifiedOTPremium},
		{tips, &run.TotalQualifiedTips},
		{combined, &run.TotalCombinedCredit},
		{reduction, &run.TotalPhaseOutReduction},
	} {
		if !pair.src.Valid {
			continue
		}
		parsed, err := money.FromString(pair.src.String)
		if err != nil {
			return Run{}, err
		}
		*pair.dst = &parsed
	}
	if reason.Valid {
		run.RejectionReason = &reason.String
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	return run, nil
}

func scanRuns(rows pgx.Rows, capacity int) ([]Run, error) {
	runs := make([]Run, 0, capacity)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanResult(row pgx.Row) (EmployeeResult, error) {
	var result EmployeeResult
	var status string
	cols := make([]string, 16)
	var trace []byte
	err := row.Scan(&result.ID, &result.RunID, &result.EmployeeID, &status,
		&cols[0], &cols[1], &cols[2], &cols[3], &cols[4],
		&cols[5], &cols[6], &cols[7], &cols[8], &cols[9],
		&result.ClassificationCode, &result.ClassificationConfidence,
		&cols[10], &cols[11], &cols[12],
		&cols[13], &cols[14], &cols[15],
		&result.Flags, &trace, &result.InputsHash, &result.ErrorMessage, &result.CreatedAt, &result.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EmployeeResult{}, ErrResultNotFound
		}
		return EmployeeResult{}, err
	}
	result.Status = ResultStatus(status)
	fields := []*decimal.Decimal{
		&result.RegularHours, &result.OvertimeHours, &result.StateOvertimeHours, &result.DoubleTimeHours, &result.TotalHours,
		&result.GrossWages, &result.RegularRate, &result.QualifiedOTPremium, &result.TotalTips, &result.QualifiedTips,
		&result.MAGIEstimate, &result.PhaseOutPercentage, &result.PhaseOutReduction,
		&result.OTCreditFinal, &result.TipCreditFinal, &result.CombinedCredit,
	}
	for i, dst := range fields {
		parsed, err := money.FromString(cols[i])
		if err != nil {
			return EmployeeResult{}, err
		}
		*dst = parsed
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &result.Trace); err != nil {
			return EmployeeResult{}, err
		}
	}
	return result, nil
}

// prefixColumns qualifies every column in a comma-separated list with a table
// alias, for queries that join.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
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
