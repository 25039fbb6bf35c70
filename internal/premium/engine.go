// Package premium computes the weighted regular rate, overtime premium, and
// qualifying tip credit for one employee over one pay period. All functions
// are pure; callers own persistence and logging.
package premium

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// Input carries one employee's hours and compensation for a period.
type Input struct {
	EmployeeID  string `json:"employee_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`

	RegularHours       decimal.Decimal `json:"regular_hours"`
	OvertimeHours      decimal.Decimal `json:"overtime_hours"`
	StateOvertimeHours decimal.Decimal `json:"state_overtime_hours"`
	DoubleTimeHours    decimal.Decimal `json:"double_time_hours"`

	HourlyRate decimal.Decimal `json:"hourly_rate"`

	ShiftDifferentials      decimal.Decimal `json:"shift_differentials"`
	NonDiscretionaryBonuses decimal.Decimal `json:"non_discretionary_bonuses"`
	Commissions             decimal.Decimal `json:"commissions"`
	PieceRateEarnings       decimal.Decimal `json:"piece_rate_earnings"`

	DiscretionaryBonuses     decimal.Decimal `json:"discretionary_bonuses"`
	Gifts                    decimal.Decimal `json:"gifts"`
	ExpenseReimbursements    decimal.Decimal `json:"expense_reimbursements"`
	PremiumPayAlreadyCounted decimal.Decimal `json:"premium_pay_already_counted"`
}

// IncludedComponents itemizes the compensation that enters the regular rate.
type IncludedComponents struct {
	BaseWages               decimal.Decimal `json:"base_wages"`
	ShiftDifferentials      decimal.Decimal `json:"shift_differentials"`
	NonDiscretionaryBonuses decimal.Decimal `json:"non_discretionary_bonuses"`
	Commissions             decimal.Decimal `json:"commissions"`
	PieceRateEarnings       decimal.Decimal `json:"piece_rate_earnings"`
}

// ExcludedComponents itemizes compensation tracked but kept out of the rate.
type ExcludedComponents struct {
	DiscretionaryBonuses     decimal.Decimal `json:"discretionary_bonuses"`
	Gifts                    decimal.Decimal `json:"gifts"`
	ExpenseReimbursements    decimal.Decimal `json:"expense_reimbursements"`
	PremiumPayAlreadyCounted decimal.Decimal `json:"premium_pay_already_counted"`
}

// Result is the full outcome of a regular-rate calculation.
type Result struct {
	EmployeeID  string `json:"employee_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`

	TotalHours        decimal.Decimal `json:"total_hours"`
	TotalCompensation decimal.Decimal `json:"total_compensation"`
	RegularRate       decimal.Decimal `json:"regular_rate"`

	OvertimeHoursQualified decimal.Decimal `json:"overtime_hours_qualified"`
	OvertimePremium        decimal.Decimal `json:"overtime_premium"`
	QualifiedOTPremium     decimal.Decimal `json:"qualified_ot_premium"`

	Included IncludedComponents `json:"regular_rate_components"`
	Excluded ExcludedComponents `json:"excluded_components"`

	MinimumWageApplied bool     `json:"minimum_wage_applied"`
	Notes              []string `json:"calculation_notes"`
}

var half = money.MustParse("0.5")

// Calculate produces the weighted regular rate and overtime premium.
//
// The rate is total straight-time remuneration divided by total hours worked
// (29 CFR 778.109): every hour, overtime and double-time included, earns the
// base hourly rate in the numerator; the 0.5x and 1.0x premium portions are
// tracked separately and never enter the rate.
func Calculate(in Input) Result {
	totalHours := in.RegularHours.
		Add(in.OvertimeHours).
		Add(in.StateOvertimeHours).
		Add(in.DoubleTimeHours)

	if totalHours.IsZero() {
		return Result{
			EmployeeID:  in.EmployeeID,
			PeriodStart: in.PeriodStart,
			PeriodEnd:   in.PeriodEnd,
			TotalHours:  decimal.Zero,
			RegularRate: in.HourlyRate,
			Notes:       []string{"No hours worked in period"},
		}
	}

	var notes []string

	baseWages := in.HourlyRate.Mul(totalHours)
	included := IncludedComponents{
		BaseWages:               baseWages,
		ShiftDifferentials:      in.ShiftDifferentials,
		NonDiscretionaryBonuses: in.NonDiscretionaryBonuses,
		Commissions:             in.Commissions,
		PieceRateEarnings:       in.PieceRateEarnings,
	}
	totalCompensation := baseWages.
		Add(in.ShiftDifferentials).
		Add(in.NonDiscretionaryBonuses).
		Add(in.Commissions).
		Add(in.PieceRateEarnings)

	excluded := ExcludedComponents{
		DiscretionaryBonuses:     in.DiscretionaryBonuses,
		Gifts:                    in.Gifts,
		ExpenseReimbursements:    in.ExpenseReimbursements,
		PremiumPayAlreadyCounted: in.PremiumPayAlreadyCounted,
	}

	regularRate := money.Round4(totalCompensation.Div(totalHours))

	minimumWageApplied := false
	if regularRate.LessThan(money.FederalMinimumWage) {
		notes = append(notes, fmt.Sprintf(
			"Regular rate %s below minimum wage; using %s",
			regularRate, money.FederalMinimumWage))
		regularRate = money.FederalMinimumWage
		minimumWageApplied = true
	}

	// Double-time hours raise the denominator but never earn the half-time
	// premium, and they never qualify.
	qualifiedOTHours := in.OvertimeHours.Add(in.StateOvertimeHours)
	overtimePremium := money.Round2(regularRate.Mul(half).Mul(qualifiedOTHours))

	if in.DoubleTimeHours.IsPositive() {
		notes = append(notes, fmt.Sprintf(
			"Excluded %s double-time hours from qualified amount", in.DoubleTimeHours))
	}

	return Result{
		EmployeeID:             in.EmployeeID,
		PeriodStart:            in.PeriodStart,
		PeriodEnd:              in.PeriodEnd,
		TotalHours:             totalHours,
		TotalCompensation:      totalCompensation,
		RegularRate:            regularRate,
		OvertimeHoursQualified: qualifiedOTHours,
		OvertimePremium:        overtimePremium,
		QualifiedOTPremium:     overtimePremium,
		Included:               included,
		Excluded:               excluded,
		MinimumWageApplied:     minimumWageApplied,
		Notes:                  notes,
	}
}
