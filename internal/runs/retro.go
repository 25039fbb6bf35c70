package runs

import (
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// Exposure risk levels for retroactive audits.
const (
	RetroRiskLow      = "low"
	RetroRiskMedium   = "medium"
	RetroRiskHigh     = "high"
	RetroRiskCritical = "critical"
)

var (
	retroMediumFloor   = decimal.NewFromInt(100)
	retroHighFloor     = decimal.NewFromInt(500)
	retroCriticalFloor = decimal.NewFromInt(2000)

	standardPenaltyRate = money.MustParse("0.05")
	willfulPenaltyRate  = money.MustParse("0.20")
)

// RetroPeriod is one historical pay period under retroactive review.
type RetroPeriod struct {
	PeriodStart   string          `json:"period_start"`
	PeriodEnd     string          `json:"period_end"`
	OvertimeHours decimal.Decimal `json:"overtime_hours"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	CreditClaimed decimal.Decimal `json:"credit_claimed"`
}

// RetroPeriodAssessment is the estimated missed credit for one period.
type RetroPeriodAssessment struct {
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	EstimatedCredit decimal.Decimal `json:"estimated_credit"`
	CreditClaimed   decimal.Decimal `json:"credit_claimed"`
	MissedCredit    decimal.Decimal `json:"missed_credit"`
}

// RetroAssessment summarizes exposure across the audited periods.
type RetroAssessment struct {
	Periods          []RetroPeriodAssessment `json:"periods"`
	TotalMissed      decimal.Decimal         `json:"total_missed_credit"`
	RiskLevel        string                  `json:"risk_level"`
	EstimatedPenalty decimal.Decimal         `json:"estimated_penalty"`
	PenaltyRate      decimal.Decimal         `json:"penalty_rate"`
	Willful          bool                    `json:"willful"`
}

// AssessRetro estimates missed credits across prior periods for a
// retro_audit run. The per-period estimate uses the half-time premium at the
// stated hourly rate; negative differences (over-claimed periods) do not
// offset missed credit in other periods.
func AssessRetro(periods []RetroPeriod, willful bool) RetroAssessment {
	assessment := RetroAssessment{
		Periods:     make([]RetroPeriodAssessment, 0, len(periods)),
		TotalMissed: decimal.Zero,
		Willful:     willful,
	}
	for _, p := range periods {
		estimated := money.Round2(p.HourlyRate.Mul(half).Mul(p.OvertimeHours))
		missed := estimated.Sub(p.CreditClaimed)
		if missed.IsNegative() {
			missed = decimal.Zero
		}
		assessment.Periods = append(assessment.Periods, RetroPeriodAssessment{
			PeriodStart:     p.PeriodStart,
			PeriodEnd:       p.PeriodEnd,
			EstimatedCredit: estimated,
			CreditClaimed:   p.CreditClaimed,
			MissedCredit:    missed,
		})
		assessment.TotalMissed = assessment.TotalMissed.Add(missed)
	}

	switch {
	case assessment.TotalMissed.GreaterThanOrEqual(retroCriticalFloor):
		assessment.RiskLevel = RetroRiskCritical
	case assessment.TotalMissed.GreaterThanOrEqual(retroHighFloor):
		assessment.RiskLevel = RetroRiskHigh
	case assessment.TotalMissed.GreaterThanOrEqual(retroMediumFloor):
		assessment.RiskLevel = RetroRiskMedium
	default:
		assessment.RiskLevel = RetroRiskLow
	}

	assessment.PenaltyRate = standardPenaltyRate
	if willful {
		assessment.PenaltyRate = willfulPenaltyRate
	}
	assessment.EstimatedPenalty = money.Round2(assessment.TotalMissed.Mul(assessment.PenaltyRate))
	return assessment
}

var half = money.MustParse("0.5")
