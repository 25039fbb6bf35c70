package premium

import (
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// Ineligibility reasons recorded on tip credit results.
const (
	ReasonNoClassification = "no occupation classification; tips not eligible"
	ReasonNoHoursWorked    = "no hours worked in tipped or non-tipped roles"
)

// TipInput carries one employee's tip activity and role split for a period.
type TipInput struct {
	CashTips             decimal.Decimal `json:"cash_tips"`
	ChargedTips          decimal.Decimal `json:"charged_tips"`
	TipPoolReceived      decimal.Decimal `json:"tip_pool_received"`
	TipPoolContributed   decimal.Decimal `json:"tip_pool_contributed"`
	OccupationCode       string          `json:"occupation_code"`
	HoursInTippedRole    decimal.Decimal `json:"hours_in_tipped_role"`
	HoursInNonTippedRole decimal.Decimal `json:"hours_in_non_tipped_role"`
}

// TipResult reports the qualifying portion of tips and eligibility.
type TipResult struct {
	TotalTips     decimal.Decimal `json:"total_tips"`
	QualifiedTips decimal.Decimal `json:"qualified_tips"`
	Eligible      bool            `json:"eligible"`
	Reason        string          `json:"ineligibility_reason,omitempty"`
	DualRole      bool            `json:"dual_role"`
}

// CalculateTipCredit computes the qualifying tip amount. Employees without an
// occupation classification are ineligible; employees who split time between
// a tipped and a non-tipped role have tips apportioned by the hours ratio.
func CalculateTipCredit(in TipInput) TipResult {
	totalTips := in.CashTips.
		Add(in.ChargedTips).
		Add(in.TipPoolReceived).
		Sub(in.TipPoolContributed)

	if in.OccupationCode == "" {
		return TipResult{
			TotalTips:     totalTips,
			QualifiedTips: decimal.Zero,
			Eligible:      false,
			Reason:        ReasonNoClassification,
		}
	}

	totalRoleHours := in.HoursInTippedRole.Add(in.HoursInNonTippedRole)
	if totalRoleHours.IsZero() {
		return TipResult{
			TotalTips:     totalTips,
			QualifiedTips: decimal.Zero,
			Eligible:      false,
			Reason:        ReasonNoHoursWorked,
		}
	}

	if in.HoursInTippedRole.IsPositive() && in.HoursInNonTippedRole.IsPositive() {
		share := in.HoursInTippedRole.Div(totalRoleHours)
		return TipResult{
			TotalTips:     totalTips,
			QualifiedTips: money.Round2(totalTips.Mul(share)),
			Eligible:      true,
			DualRole:      true,
		}
	}

	return TipResult{
		TotalTips:     totalTips,
		QualifiedTips: totalTips,
		Eligible:      true,
	}
}
