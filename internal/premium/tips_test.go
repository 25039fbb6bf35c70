package premium

import "testing"

func TestTipCreditSimple(t *testing.T) {
	result := CalculateTipCredit(TipInput{
		CashTips:          dec("300.00"),
		ChargedTips:       dec("200.00"),
		OccupationCode:    "12401",
		HoursInTippedRole: dec("40"),
	})
	if !result.Eligible {
		t.Fatalf("expected eligible, got reason %q", result.Reason)
	}
	if !result.QualifiedTips.Equal(dec("500.00")) {
		t.Fatalf("expected 500.00 qualified, got %s", result.QualifiedTips)
	}
}

func TestTipCreditPoolNetting(t *testing.T) {
	result := CalculateTipCredit(TipInput{
		CashTips:           dec("400.00"),
		TipPoolReceived:    dec("150.00"),
		TipPoolContributed: dec("50.00"),
		OccupationCode:     "12402",
		HoursInTippedRole:  dec("38"),
	})
	if !result.TotalTips.Equal(dec("500.00")) {
		t.Fatalf("expected 500.00 total, got %s", result.TotalTips)
	}
	if !result.QualifiedTips.Equal(dec("500.00")) {
		t.Fatalf("expected 500.00 qualified, got %s", result.QualifiedTips)
	}
}

func TestTipCreditNoClassification(t *testing.T) {
	result := CalculateTipCredit(TipInput{
		CashTips:          dec("500.00"),
		HoursInTippedRole: dec("40"),
	})
	if result.Eligible {
		t.Fatalf("expected ineligible")
	}
	if !result.QualifiedTips.IsZero() {
		t.Fatalf("expected zero qualified, got %s", result.QualifiedTips)
	}
	if result.Reason != ReasonNoClassification {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestTipCreditDualRoleApportionment(t *testing.T) {
	// 30 tipped + 10 non-tipped hours: 75% of $400.
	result := CalculateTipCredit(TipInput{
		CashTips:             dec("400.00"),
		OccupationCode:       "12401",
		HoursInTippedRole:    dec("30"),
		HoursInNonTippedRole: dec("10"),
	})
	if !result.Eligible {
		t.Fatalf("expected eligible, got reason %q", result.Reason)
	}
	if !result.DualRole {
		t.Fatalf("expected dual role flag")
	}
	if !result.QualifiedTips.Equal(dec("300.00")) {
		t.Fatalf("expected 300.00 qualified, got %s", result.QualifiedTips)
	}
}

func TestTipCreditNoRoleHours(t *testing.T) {
	result := CalculateTipCredit(TipInput{
		CashTips:       dec("250.00"),
		OccupationCode: "12401",
	})
	if result.Eligible {
		t.Fatalf("expected ineligible")
	}
	if result.Reason != ReasonNoHoursWorked {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}
