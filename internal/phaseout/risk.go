package phaseout

import (
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// RiskLevel classifies how close an employee's income is to phase-out.
type RiskLevel string

const (
	RiskNone           RiskLevel = "none"
	RiskApproaching    RiskLevel = "approaching"
	RiskInPhaseOut     RiskLevel = "in_phase_out"
	RiskFullyPhasedOut RiskLevel = "fully_phased_out"
)

// Risk reports phase-out exposure for a projected annual MAGI.
type Risk struct {
	AtRisk bool `json:"at_risk"`
	// Percent is progress through the phase-out range when inside it,
	// otherwise the MAGI as a percentage of the start threshold.
	Percent        decimal.Decimal `json:"percent"`
	Level          RiskLevel       `json:"level"`
	ThresholdStart decimal.Decimal `json:"threshold_start"`
	ThresholdEnd   decimal.Decimal `json:"threshold_end"`
}

var approachingFactor = money.MustParse("0.9")

// AssessRisk evaluates a MAGI estimate against the phase-out thresholds.
// Employees within 10% of the start threshold are flagged as approaching.
func AssessRisk(currentMAGI decimal.Decimal, status FilingStatus, taxYear int) Risk {
	lookup := LookupThresholds(taxYear, status)
	risk := Risk{ThresholdStart: lookup.Start, ThresholdEnd: lookup.End}

	switch {
	case currentMAGI.GreaterThanOrEqual(lookup.End):
		risk.AtRisk = true
		risk.Percent = hundred
		risk.Level = RiskFullyPhasedOut
	case currentMAGI.GreaterThanOrEqual(lookup.Start):
		risk.AtRisk = true
		risk.Percent = money.Round2(currentMAGI.Sub(lookup.Start).
			Div(lookup.End.Sub(lookup.Start)).Mul(hundred))
		risk.Level = RiskInPhaseOut
	case currentMAGI.GreaterThanOrEqual(lookup.Start.Mul(approachingFactor)):
		risk.AtRisk = true
		risk.Percent = money.Round2(currentMAGI.Div(lookup.Start).Mul(hundred))
		risk.Level = RiskApproaching
	default:
		risk.Percent = money.Round2(currentMAGI.Div(lookup.Start).Mul(hundred))
		risk.Level = RiskNone
	}
	return risk
}

// EstimateAnnualMAGI projects annual MAGI linearly from year-to-date wages:
// (ytd / elapsed periods) x total periods, plus estimated other income.
// Zero elapsed periods yields the other income alone.
func EstimateAnnualMAGI(ytdWages decimal.Decimal, periodsElapsed, totalPeriods int, otherIncome decimal.Decimal) decimal.Decimal {
	if periodsElapsed == 0 {
		return otherIncome
	}
	projected := money.Round2(ytdWages.
		Div(decimal.NewFromInt(int64(periodsElapsed))).
		Mul(decimal.NewFromInt(int64(totalPeriods))))
	return projected.Add(otherIncome)
}
