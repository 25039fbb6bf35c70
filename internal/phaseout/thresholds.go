// Package phaseout computes Modified Adjusted Gross Income and applies the
// income-based linear reduction to pre-phase-out credit amounts. Everything
// here is pure; threshold fallbacks are reported to the caller for logging.
package phaseout

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/money"
)

// FilingStatus selects the threshold row for a tax year.
type FilingStatus string

const (
	FilingSingle          FilingStatus = "single"
	FilingMarriedJoint    FilingStatus = "married_joint"
	FilingMarriedSeparate FilingStatus = "married_separate"
	FilingHeadOfHousehold FilingStatus = "head_of_household"
)

// Thresholds bounds the linear phase-out range for one filing status.
type Thresholds struct {
	Start decimal.Decimal `json:"start"`
	End   decimal.Decimal `json:"end"`
}

var thresholdTable = map[int]map[FilingStatus]Thresholds{
	2025: {
		FilingSingle:          {Start: money.MustParse("75000"), End: money.MustParse("100000")},
		FilingMarriedJoint:    {Start: money.MustParse("150000"), End: money.MustParse("200000")},
		FilingMarriedSeparate: {Start: money.MustParse("75000"), End: money.MustParse("100000")},
		FilingHeadOfHousehold: {Start: money.MustParse("112500"), End: money.MustParse("150000")},
	},
	2026: {
		FilingSingle:          {Start: money.MustParse("77000"), End: money.MustParse("102000")},
		FilingMarriedJoint:    {Start: money.MustParse("154000"), End: money.MustParse("204000")},
		FilingMarriedSeparate: {Start: money.MustParse("77000"), End: money.MustParse("102000")},
		FilingHeadOfHousehold: {Start: money.MustParse("115500"), End: money.MustParse("153500")},
	},
}

// ThresholdLookup is the resolved threshold row plus fallback provenance, so
// callers can log when the requested year or status was absent from the table.
type ThresholdLookup struct {
	Thresholds
	Year           int
	FallbackYear   bool
	FallbackStatus bool
}

// LookupThresholds resolves thresholds for a tax year and filing status.
// An absent year falls back to the most recent year in the table not after
// the requested one (or the earliest known year for requests before the
// table begins); an unknown filing status falls back to single. Both
// fallbacks are flagged on the returned lookup.
func LookupThresholds(taxYear int, status FilingStatus) ThresholdLookup {
	lookup := ThresholdLookup{Year: taxYear}

	row, ok := thresholdTable[taxYear]
	if !ok {
		lookup.Year = fallbackYear(taxYear)
		lookup.FallbackYear = true
		row = thresholdTable[lookup.Year]
	}

	t, ok := row[status]
	if !ok {
		lookup.FallbackStatus = true
		t = row[FilingSingle]
	}
	lookup.Thresholds = t
	return lookup
}

func fallbackYear(requested int) int {
	years := make([]int, 0, len(thresholdTable))
	for y := range thresholdTable {
		years = append(years, y)
	}
	sort.Ints(years)

	chosen := years[0]
	for _, y := range years {
		if y <= requested {
			chosen = y
		}
	}
	return chosen
}

// KnownYears lists the tax years present in the threshold table, ascending.
func KnownYears() []int {
	years := make([]int, 0, len(thresholdTable))
	for y := range thresholdTable {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
