package runs

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func TestDetectAnomaliesOvertimeVariance(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	record := EmployeeRecord{HourlyRate: dec("20")}
	result := EmployeeResult{OvertimeHours: dec("20"), RegularRate: dec("20")}
	prior := EmployeeResult{OvertimeHours: dec("10")}

	flags := DetectAnomalies(cfg, record, result, false, &prior)
	if !hasFlag(flags, FlagHighOTVariance) {
		t.Fatalf("100%% overtime jump not flagged: %v", flags)
	}

	// Within threshold.
	result.OvertimeHours = dec("13")
	flags = DetectAnomalies(cfg, record, result, false, &prior)
	if hasFlag(flags, FlagHighOTVariance) {
		t.Fatalf("30%% change flagged: %v", flags)
	}

	// No prior period means no comparison.
	result.OvertimeHours = dec("40")
	flags = DetectAnomalies(cfg, record, result, false, nil)
	if hasFlag(flags, FlagHighOTVariance) {
		t.Fatalf("flagged without prior period: %v", flags)
	}
}

func TestDetectAnomaliesMissingTipData(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	record := EmployeeRecord{HourlyRate: dec("15"), HasTipData: false}
	result := EmployeeResult{RegularRate: dec("15")}

	flags := DetectAnomalies(cfg, record, result, true, nil)
	if !hasFlag(flags, FlagMissingTipData) {
		t.Fatalf("tipped occupation without tip data not flagged: %v", flags)
	}

	record.HasTipData = true
	flags = DetectAnomalies(cfg, record, result, true, nil)
	if hasFlag(flags, FlagMissingTipData) {
		t.Fatalf("flagged despite tip data present: %v", flags)
	}

	record.HasTipData = false
	flags = DetectAnomalies(cfg, record, result, false, nil)
	if hasFlag(flags, FlagMissingTipData) {
		t.Fatalf("non-tipped occupation flagged: %v", flags)
	}
}

func TestDetectAnomaliesLowConfidence(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	low := 0.5
	high := 0.95
	record := EmployeeRecord{HourlyRate: dec("15")}

	result := EmployeeResult{RegularRate: dec("15"), ClassificationConfidence: &low}
	if flags := DetectAnomalies(cfg, record, result, false, nil); !hasFlag(flags, FlagLowConfidence) {
		t.Fatalf("low confidence not flagged: %v", flags)
	}
	result.ClassificationConfidence = &high
	if flags := DetectAnomalies(cfg, record, result, false, nil); hasFlag(flags, FlagLowConfidence) {
		t.Fatalf("high confidence flagged: %v", flags)
	}
	result.ClassificationConfidence = nil
	if flags := DetectAnomalies(cfg, record, result, false, nil); hasFlag(flags, FlagLowConfidence) {
		t.Fatalf("missing classification flagged for confidence: %v", flags)
	}
}

func TestDetectAnomaliesPhaseOutRisk(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	record := EmployeeRecord{HourlyRate: dec("15")}
	result := EmployeeResult{RegularRate: dec("15"), PhaseOutPercentage: dec("85")}
	if flags := DetectAnomalies(cfg, record, result, false, nil); !hasFlag(flags, FlagPhaseOutRisk) {
		t.Fatalf("85%% phase-out not flagged: %v", flags)
	}
	result.PhaseOutPercentage = dec("79.99")
	if flags := DetectAnomalies(cfg, record, result, false, nil); hasFlag(flags, FlagPhaseOutRisk) {
		t.Fatalf("below-threshold phase-out flagged: %v", flags)
	}
}

func TestDetectAnomaliesDualJobAndRate(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	record := EmployeeRecord{
		HourlyRate:           dec("15"),
		HoursInTippedRole:    dec("20"),
		HoursInNonTippedRole: dec("20"),
	}
	result := EmployeeResult{RegularRate: dec("50")}
	flags := DetectAnomalies(cfg, record, result, false, nil)
	if !hasFlag(flags, FlagDualJobDetected) {
		t.Fatalf("dual role not flagged: %v", flags)
	}
	if !hasFlag(flags, FlagRateAnomaly) {
		t.Fatalf("regular rate above 3x base not flagged: %v", flags)
	}

	result.RegularRate = dec("18")
	flags = DetectAnomalies(cfg, record, result, false, nil)
	if hasFlag(flags, FlagRateAnomaly) {
		t.Fatalf("normal blended rate flagged: %v", flags)
	}
}

func TestDetectAnomaliesNegativeInput(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	record := EmployeeRecord{HourlyRate: dec("15"), CashTips: dec("-5")}
	result := EmployeeResult{RegularRate: dec("15")}
	if flags := DetectAnomalies(cfg, record, result, false, nil); !hasFlag(flags, FlagNegativeValue) {
		t.Fatalf("negative tips not flagged: %v", flags)
	}
}

func TestDetectAnomaliesNegativeComputedValue(t *testing.T) {
	cfg := DefaultAnomalyConfig()
	// Every input is non-negative; the pool contribution exceeding tips
	// received only shows up in the computed totals.
	record := EmployeeRecord{
		HourlyRate:         dec("15"),
		CashTips:           dec("50"),
		TipPoolContributed: dec("200"),
	}
	result := EmployeeResult{
		RegularRate:    dec("15"),
		TotalTips:      dec("-150"),
		QualifiedTips:  dec("-150"),
		CombinedCredit: dec("-150"),
	}
	if flags := DetectAnomalies(cfg, record, result, false, nil); !hasFlag(flags, FlagNegativeValue) {
		t.Fatalf("negative computed credit not flagged: %v", flags)
	}
}
