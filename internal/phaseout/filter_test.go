package phaseout

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMAGIWagesOnly(t *testing.T) {
	magi := MAGI(Input{Wages: dec("80000")})
	if !magi.Equal(dec("80000")) {
		t.Fatalf("expected 80000, got %s", magi)
	}
}

func TestMAGIAllComponents(t *testing.T) {
	magi := MAGI(Input{
		Wages:                  dec("70000"),
		SelfEmploymentIncome:   dec("10000"),
		InvestmentIncome:       dec("5000"),
		OtherIncome:            dec("2000"),
		AboveTheLineDeductions: dec("2000"),
	})
	if !magi.Equal(dec("85000")) {
		t.Fatalf("expected 85000, got %s", magi)
	}
}

func TestLookupThresholds(t *testing.T) {
	cases := []struct {
		year       int
		status     FilingStatus
		wantStart  string
		wantEnd    string
		wantFallbk bool
	}{
		{2025, FilingSingle, "75000", "100000", false},
		{2025, FilingMarriedJoint, "150000", "200000", false},
		{2025, FilingMarriedSeparate, "75000", "100000", false},
		{2025, FilingHeadOfHousehold, "112500", "150000", false},
		{2026, FilingSingle, "77000", "102000", false},
		{2026, FilingHeadOfHousehold, "115500", "153500", false},
		// Years beyond the table use the most recent known year.
		{2030, FilingSingle, "77000", "102000", true},
		// Years before the table use the earliest known year.
		{2024, FilingSingle, "75000", "100000", true},
	}
	for _, tc := range cases {
		lookup := LookupThresholds(tc.year, tc.status)
		if !lookup.Start.Equal(dec(tc.wantStart)) || !lookup.End.Equal(dec(tc.wantEnd)) {
			t.Fatalf("%d/%s: got [%s, %s], want [%s, %s]",
				tc.year, tc.status, lookup.Start, lookup.End, tc.wantStart, tc.wantEnd)
		}
		if lookup.FallbackYear != tc.wantFallbk {
			t.Fatalf("%d/%s: fallback = %v, want %v", tc.year, tc.status, lookup.FallbackYear, tc.wantFallbk)
		}
	}
}

func TestLookupThresholdsUnknownStatus(t *testing.T) {
	lookup := LookupThresholds(2025, FilingStatus("widowed"))
	if !lookup.FallbackStatus {
		t.Fatalf("expected status fallback")
	}
	if !lookup.Start.Equal(dec("75000")) {
		t.Fatalf("expected single thresholds, got start %s", lookup.Start)
	}
}

func TestApplyNoPhaseOut(t *testing.T) {
	result := Apply(Input{
		EmployeeID:   "emp-001",
		TaxYear:      2025,
		FilingStatus: FilingSingle,
		Wages:        dec("60000"),
		OTCreditPre:  dec("1000"),
		TipCreditPre: dec("500"),
	})
	if !result.IsNoPhaseOut || result.IsPartiallyPhasedOut || result.IsFullyPhasedOut {
		t.Fatalf("expected no phase-out flags, got %+v", result)
	}
	if !result.PhaseOutPercentage.IsZero() {
		t.Fatalf("expected 0%%, got %s", result.PhaseOutPercentage)
	}
	if !result.OTCreditFinal.Equal(dec("1000")) || !result.TipCreditFinal.Equal(dec("500")) {
		t.Fatalf("credits should be untouched, got %s / %s", result.OTCreditFinal, result.TipCreditFinal)
	}
}

func TestApplyPartialPhaseOut(t *testing.T) {
	// Midpoint of the single range: 50% reduction.
	result := Apply(Input{
		EmployeeID:   "emp-002",
		TaxYear:      2025,
		FilingStatus: FilingSingle,
		Wages:        dec("87500"),
		OTCreditPre:  dec("1000"),
		TipCreditPre: dec("500"),
	})
	if !result.IsPartiallyPhasedOut {
		t.Fatalf("expected partial phase-out")
	}
	if !result.PhaseOutPercentage.Equal(dec("50.00")) {
		t.Fatalf("expected 50.00%%, got %s", result.PhaseOutPercentage)
	}
	if !result.OTCreditReduction.Equal(dec("500.00")) || !result.OTCreditFinal.Equal(dec("500.00")) {
		t.Fatalf("ot: reduction %s final %s", result.OTCreditReduction, result.OTCreditFinal)
	}
	if !result.TipCreditReduction.Equal(dec("250.00")) || !result.TipCreditFinal.Equal(dec("250.00")) {
		t.Fatalf("tip: reduction %s final %s", result.TipCreditReduction, result.TipCreditFinal)
	}
}

func TestApplyFortyPercent(t *testing.T) {
	// $10,000 over a $25,000 range: 40% reduction of a $1,000 credit.
	result := Apply(Input{
		EmployeeID:   "emp-003",
		TaxYear:      2025,
		FilingStatus: FilingSingle,
		Wages:        dec("85000"),
		OTCreditPre:  dec("1000"),
	})
	if !result.PhaseOutPercentage.Equal(dec("40.00")) {
		t.Fatalf("expected 40.00%%, got %s", result.PhaseOutPercentage)
	}
	if !result.OTCreditReduction.Equal(dec("400.00")) {
		t.Fatalf("expected reduction 400.00, got %s", result.OTCreditReduction)
	}
	if !result.OTCreditFinal.Equal(dec("600.00")) {
		t.Fatalf("expected final 600.00, got %s", result.OTCreditFinal)
	}
}

func TestApplyFullPhaseOut(t *testing.T) {
	result := Apply(Input{
		EmployeeID:   "emp-004",
		TaxYear:      2025,
		FilingStatus: FilingSingle,
		Wages:        dec("110000"),
		OTCreditPre:  dec("1000"),
		TipCreditPre: dec("500"),
	})
	if !result.IsFullyPhasedOut {
		t.Fatalf("expected full phase-out")
	}
	if !result.PhaseOutPercentage.Equal(dec("100")) {
		t.Fatalf("expected 100%%, got %s", result.PhaseOutPercentage)
	}
	if !result.OTCreditFinal.IsZero() || !result.TipCreditFinal.IsZero() || !result.CombinedFinal.IsZero() {
		t.Fatalf("expected zero finals, got %s / %s / %s",
			result.OTCreditFinal, result.TipCreditFinal, result.CombinedFinal)
	}
}

func TestApplyMarriedJointHigherThresholds(t *testing.T) {
	result := Apply(Input{
		EmployeeID:   "emp-005",
		TaxYear:      2025,
		FilingStatus: FilingMarriedJoint,
		Wages:        dec("100000"),
		OTCreditPre:  dec("1000"),
		TipCreditPre: dec("500"),
	})
	if !result.IsNoPhaseOut {
		t.Fatalf("100k should be below the married-joint start")
	}
	if !result.OTCreditFinal.Equal(dec("1000")) || !result.TipCreditFinal.Equal(dec("500")) {
		t.Fatalf("credits should be untouched")
	}
}

func TestApplyYearFallbackNoted(t *testing.T) {
	result := Apply(Input{
		EmployeeID:   "emp-006",
		TaxYear:      2031,
		FilingStatus: FilingSingle,
		Wages:        dec("50000"),
	})
	if !result.YearFallback {
		t.Fatalf("expected year fallback flag")
	}
	if result.ThresholdYearUsed != 2026 {
		t.Fatalf("expected 2026 thresholds, got %d", result.ThresholdYearUsed)
	}
	found := false
	for _, note := range result.Notes {
		if strings.Contains(note, "threshold table") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback note, got %v", result.Notes)
	}
}

func TestPhaseOutPercentageMonotonic(t *testing.T) {
	prev := decimal.Zero
	for wages := 70000; wages <= 110000; wages += 500 {
		result := Apply(Input{
			TaxYear:      2025,
			FilingStatus: FilingSingle,
			Wages:        decimal.NewFromInt(int64(wages)),
			OTCreditPre:  dec("1000"),
		})
		if result.PhaseOutPercentage.LessThan(prev) {
			t.Fatalf("percentage decreased at wages %d: %s < %s", wages, result.PhaseOutPercentage, prev)
		}
		prev = result.PhaseOutPercentage
	}
	atStart := Apply(Input{TaxYear: 2025, FilingStatus: FilingSingle, Wages: dec("75000")})
	if !atStart.PhaseOutPercentage.IsZero() {
		t.Fatalf("expected exactly 0 at start threshold, got %s", atStart.PhaseOutPercentage)
	}
	atEnd := Apply(Input{TaxYear: 2025, FilingStatus: FilingSingle, Wages: dec("100000")})
	if !atEnd.PhaseOutPercentage.Equal(dec("100")) {
		t.Fatalf("expected exactly 100 at end threshold, got %s", atEnd.PhaseOutPercentage)
	}
}
