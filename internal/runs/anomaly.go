package runs

import (
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// AnomalyConfig tunes the review rules applied to every completed result.
type AnomalyConfig struct {
	// VarianceThreshold is the fractional overtime change versus the prior
	// period that triggers high_ot_variance (0.5 means 50%).
	VarianceThreshold float64
	// MinConfidence is the classification confidence floor.
	MinConfidence float64
	// RiskThreshold is the phase-out percentage at or above which a result
	// is flagged for phase_out_risk.
	RiskThreshold float64
}

// DefaultAnomalyConfig mirrors the production review thresholds.
func DefaultAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{VarianceThreshold: 0.5, MinConfidence: 0.85, RiskThreshold: 80}
}

var rateAnomalyMultiplier = decimal.NewFromInt(3)

// DetectAnomalies applies the review rules to one employee outcome. The
// returned flags promote the result to flagged; they never block it.
func DetectAnomalies(cfg AnomalyConfig, record EmployeeRecord, result EmployeeResult, tipped bool, prior *EmployeeResult) []string {
	var flags []string

	if hasNegativeInput(record) || hasNegativeComputed(result) {
		flags = append(flags, FlagNegativeValue)
	}

	if prior != nil && prior.OvertimeHours.IsPositive() {
		variance := result.OvertimeHours.Sub(prior.OvertimeHours).Abs().
			Div(prior.OvertimeHours)
		threshold := decimal.NewFromFloat(cfg.VarianceThreshold)
		if variance.GreaterThan(threshold) {
			flags = append(flags, FlagHighOTVariance)
		}
	}

	if tipped && !record.HasTipData {
		flags = append(flags, FlagMissingTipData)
	}

	if result.ClassificationConfidence != nil && *result.ClassificationConfidence < cfg.MinConfidence {
		flags = append(flags, FlagLowConfidence)
	}

	if result.PhaseOutPercentage.GreaterThanOrEqual(decimal.NewFromFloat(cfg.RiskThreshold)) {
		flags = append(flags, FlagPhaseOutRisk)
	}

	if record.HoursInTippedRole.IsPositive() && record.HoursInNonTippedRole.IsPositive() {
		flags = append(flags, FlagDualJobDetected)
	}

	// A blended rate far above the base hourly rate usually means bonus or
	// commission data landed in the wrong period.
	if record.HourlyRate.GreaterThan(money.FederalMinimumWage) &&
		result.RegularRate.GreaterThan(record.HourlyRate.Mul(rateAnomalyMultiplier)) {
		flags = append(flags, FlagRateAnomaly)
	}

	return flags
}

// hasNegativeComputed catches engine outputs below zero, e.g. a tip pool
// contribution exceeding tips received. A negative credit is never a valid
// financial outcome.
func hasNegativeComputed(result EmployeeResult) bool {
	for _, v := range []decimal.Decimal{
		result.TotalHours, result.GrossWages, result.RegularRate,
		result.QualifiedOTPremium, result.TotalTips, result.QualifiedTips,
		result.OTCreditFinal, result.TipCreditFinal, result.CombinedCredit,
	} {
		if v.IsNegative() {
			return true
		}
	}
	return false
}

func hasNegativeInput(record EmployeeRecord) bool {
	for _, v := range []decimal.Decimal{
		record.RegularHours, record.OvertimeHours, record.StateOvertimeHours, record.DoubleTimeHours,
		record.HourlyRate, record.ShiftDifferentials, record.NonDiscretionaryBonuses,
		record.Commissions, record.PieceRateEarnings,
		record.CashTips, record.ChargedTips, record.TipPoolReceived,
		record.HoursInTippedRole, record.HoursInNonTippedRole,
	} {
		if v.IsNegative() {
			return true
		}
	}
	return false
}
