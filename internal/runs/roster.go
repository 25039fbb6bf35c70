package runs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
	"github.com/safeharborhq/compliance-core/internal/phaseout"
)

// EmployeeRecord is one employee's payroll data for one period, as synced
// from the payroll provider into employee_period_records.
type EmployeeRecord struct {
	EmployeeID   uuid.UUID
	ExternalRef  string
	JobTitle     string
	FilingStatus phaseout.FilingStatus

	RegularHours       decimal.Decimal
	OvertimeHours      decimal.Decimal
	StateOvertimeHours decimal.Decimal
	DoubleTimeHours    decimal.Decimal

	HourlyRate              decimal.Decimal
	ShiftDifferentials      decimal.Decimal
	NonDiscretionaryBonuses decimal.Decimal
	Commissions             decimal.Decimal
	PieceRateEarnings       decimal.Decimal
	DiscretionaryBonuses    decimal.Decimal

	CashTips             decimal.Decimal
	ChargedTips          decimal.Decimal
	TipPoolReceived      decimal.Decimal
	TipPoolContributed   decimal.Decimal
	HoursInTippedRole    decimal.Decimal
	HoursInNonTippedRole decimal.Decimal

	YTDWages               decimal.Decimal
	SelfEmploymentIncome   decimal.Decimal
	InvestmentIncome       decimal.Decimal
	OtherIncome            decimal.Decimal
	AboveTheLineDeductions decimal.Decimal

	HasTipData bool
}

// RosterProvider supplies the employees in scope for a run's period.
type RosterProvider interface {
	Roster(ctx context.Context, orgID uuid.UUID, run Run) ([]EmployeeRecord, error)
}

// NewRosterProvider returns a provider reading employee_period_records.
func NewRosterProvider(pool *pgxpool.Pool) RosterProvider {
	return &pgRoster{pool: pool}
}

type pgRoster struct {
	pool *pgxpool.Pool
}

func (r *pgRoster) Roster(ctx context.Context, orgID uuid.UUID, run Run) ([]EmployeeRecord, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("runs: roster provider unavailable")
	}
	rows, err := r.pool.Query(ctx, `SELECT employee_id, external_ref, job_title, filing_status,
       regular_hours::text, overtime_hours::text, state_overtime_hours::text, double_time_hours::text,
       hourly_rate::text, shift_differentials::text, non_discretionary_bonuses::text,
       commissions::text, piece_rate_earnings::text, discretionary_bonuses::text,
       cash_tips::text, charged_tips::text, tip_pool_received::text, tip_pool_contributed::text,
       hours_in_tipped_role::text, hours_in_non_tipped_role::text,
       ytd_wages::text, self_employment_income::text, investment_income::text,
       other_income::text, above_the_line_deductions::text, has_tip_data
  FROM employee_period_records
 WHERE organization_id = $1 AND period_start = $2 AND period_end = $3
 ORDER BY employee_id`, orgID, run.PeriodStart, run.PeriodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EmployeeRecord
	for rows.Next() {
		var rec EmployeeRecord
		cols := make([]string, 21)
		dests := []any{&rec.EmployeeID, &rec.ExternalRef, &rec.JobTitle, &rec.FilingStatus}
		for i := range cols {
			dests = append(dests, &cols[i])
		}
		dests = append(dests, &rec.HasTipData)
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		fields := []*decimal.Decimal{
			&rec.RegularHours, &rec.OvertimeHours, &rec.StateOvertimeHours, &rec.DoubleTimeHours,
			&rec.HourlyRate, &rec.ShiftDifferentials, &rec.NonDiscretionaryBonuses,
			&rec.Commissions, &rec.PieceRateEarnings, &rec.DiscretionaryBonuses,
			&rec.CashTips, &rec.ChargedTips, &rec.TipPoolReceived, &rec.TipPoolContributed,
			&rec.HoursInTippedRole, &rec.HoursInNonTippedRole,
			&rec.YTDWages, &rec.SelfEmploymentIncome, &rec.InvestmentIncome,
			&rec.OtherIncome, &rec.AboveTheLineDeductions,
		}
		for i, dst := range fields {
			parsed, err := money.FromString(cols[i])
			if err != nil {
				return nil, err
			}
			*dst = parsed
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
