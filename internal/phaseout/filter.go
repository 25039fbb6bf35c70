package phaseout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// Input carries income components and pre-phase-out credits for one employee.
type Input struct {
	EmployeeID   string       `json:"employee_id"`
	TaxYear      int          `json:"tax_year"`
	FilingStatus FilingStatus `json:"filing_status"`

	Wages                  decimal.Decimal `json:"wages"`
	SelfEmploymentIncome   decimal.Decimal `json:"self_employment_income"`
	InvestmentIncome       decimal.Decimal `json:"investment_income"`
	OtherIncome            decimal.Decimal `json:"other_income"`
	AboveTheLineDeductions decimal.Decimal `json:"above_the_line_deductions"`

	OTCreditPre  decimal.Decimal `json:"ot_credit_pre_phase_out"`
	TipCreditPre decimal.Decimal `json:"tip_credit_pre_phase_out"`
}

// Result is the full phase-out outcome, including threshold provenance.
type Result struct {
	EmployeeID   string       `json:"employee_id"`
	TaxYear      int          `json:"tax_year"`
	FilingStatus FilingStatus `json:"filing_status"`

	CalculatedMAGI decimal.Decimal `json:"calculated_magi"`

	ThresholdStart    decimal.Decimal `json:"phase_out_threshold_start"`
	ThresholdEnd      decimal.Decimal `json:"phase_out_threshold_end"`
	ThresholdYearUsed int             `json:"threshold_year_used"`
	YearFallback      bool            `json:"threshold_year_fallback"`

	ExcessOverThreshold decimal.Decimal `json:"excess_over_threshold"`
	PhaseOutRange       decimal.Decimal `json:"phase_out_range"`
	PhaseOutPercentage  decimal.Decimal `json:"phase_out_percentage"`

	OTCreditPre        decimal.Decimal `json:"ot_credit_pre"`
	TipCreditPre       decimal.Decimal `json:"tip_credit_pre"`
	OTCreditReduction  decimal.Decimal `json:"ot_credit_reduction"`
	TipCreditReduction decimal.Decimal `json:"tip_credit_reduction"`
	OTCreditFinal      decimal.Decimal `json:"ot_credit_final"`
	TipCreditFinal     decimal.Decimal `json:"tip_credit_final"`
	CombinedFinal      decimal.Decimal `json:"combined_credit_final"`

	IsNoPhaseOut         bool `json:"is_no_phase_out"`
	IsPartiallyPhasedOut bool `json:"is_partially_phased_out"`
	IsFullyPhasedOut     bool `json:"is_fully_phased_out"`

	Notes []string `json:"calculation_notes"`
}

// MAGI computes Modified Adjusted Gross Income:
// wages + self-employment + investment + other - above-the-line deductions.
func MAGI(in Input) decimal.Decimal {
	return in.Wages.
		Add(in.SelfEmploymentIncome).
		Add(in.InvestmentIncome).
		Add(in.OtherIncome).
		Sub(in.AboveTheLineDeductions)
}

var hundred = decimal.NewFromInt(100)

// Apply computes MAGI and linearly reduces both credits between the filing
// status thresholds: no reduction at or below the start, full reduction at or
// above the end, straight-line interpolation between.
func Apply(in Input) Result {
	var notes []string

	magi := MAGI(in)
	lookup := LookupThresholds(in.TaxYear, in.FilingStatus)
	if lookup.FallbackYear {
		notes = append(notes, fmt.Sprintf(
			"tax year %d not in threshold table; using %d thresholds", in.TaxYear, lookup.Year))
	}
	if lookup.FallbackStatus {
		notes = append(notes, fmt.Sprintf(
			"unknown filing status %q; using single thresholds", in.FilingStatus))
	}

	phaseOutRange := lookup.End.Sub(lookup.Start)

	result := Result{
		EmployeeID:        in.EmployeeID,
		TaxYear:           in.TaxYear,
		FilingStatus:      in.FilingStatus,
		CalculatedMAGI:    magi,
		ThresholdStart:    lookup.Start,
		ThresholdEnd:      lookup.End,
		ThresholdYearUsed: lookup.Year,
		YearFallback:      lookup.FallbackYear,
		PhaseOutRange:     phaseOutRange,
		OTCreditPre:       in.OTCreditPre,
		TipCreditPre:      in.TipCreditPre,
	}

	switch {
	case magi.LessThanOrEqual(lookup.Start):
		result.ExcessOverThreshold = decimal.Zero
		result.PhaseOutPercentage = decimal.Zero
		result.IsNoPhaseOut = true
	case magi.GreaterThanOrEqual(lookup.End):
		result.ExcessOverThreshold = magi.Sub(lookup.Start)
		result.PhaseOutPercentage = hundred
		result.IsFullyPhasedOut = true
		notes = append(notes, fmt.Sprintf(
			"MAGI %s exceeds phase-out threshold %s", magi, lookup.End))
	default:
		excess := magi.Sub(lookup.Start)
		pct := money.Round2(excess.Div(phaseOutRange).Mul(hundred))
		result.ExcessOverThreshold = excess
		result.PhaseOutPercentage = pct
		result.IsPartiallyPhasedOut = true
		notes = append(notes, fmt.Sprintf(
			"MAGI %s is %s over threshold; %s%% phase-out applied", magi, excess, pct))
	}

	result.OTCreditReduction = money.Percent(in.OTCreditPre, result.PhaseOutPercentage)
	result.TipCreditReduction = money.Percent(in.TipCreditPre, result.PhaseOutPercentage)
	result.OTCreditFinal = in.OTCreditPre.Sub(result.OTCreditReduction)
	result.TipCreditFinal = in.TipCreditPre.Sub(result.TipCreditReduction)
	result.CombinedFinal = result.OTCreditFinal.Add(result.TipCreditFinal)
	result.Notes = notes
	return result
}
