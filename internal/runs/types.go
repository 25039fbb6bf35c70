// Package runs orchestrates batch credit calculations: one run covers one
// organization and one pay period, iterating employees through the premium
// engine and phase-out filter, recording every outcome in the compliance
// vault, and gating finalization behind human approval.
package runs

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RunKind categorizes why a run was triggered.
type RunKind string

const (
	KindPeriodic   RunKind = "periodic"
	KindQuarterly  RunKind = "quarterly"
	KindAnnual     RunKind = "annual"
	KindAdHoc      RunKind = "ad_hoc"
	KindRetroAudit RunKind = "retro_audit"
)

// ValidKind reports whether the kind is one of the defined run kinds.
func ValidKind(k RunKind) bool {
	switch k {
	case KindPeriodic, KindQuarterly, KindAnnual, KindAdHoc, KindRetroAudit:
		return true
	}
	return false
}

// RunStatus is the run state machine. finalized and error are terminal.
type RunStatus string

const (
	StatusPending         RunStatus = "pending"
	StatusSyncing         RunStatus = "syncing"
	StatusCalculating     RunStatus = "calculating"
	StatusPendingApproval RunStatus = "pending_approval"
	StatusApproved        RunStatus = "approved"
	StatusRejected        RunStatus = "rejected"
	StatusFinalized       RunStatus = "finalized"
	StatusError           RunStatus = "error"
)

var transitions = map[RunStatus][]RunStatus{
	StatusPending:         {StatusSyncing, StatusError},
	StatusSyncing:         {StatusCalculating, StatusError},
	StatusCalculating:     {StatusPendingApproval, StatusError},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusError},
	StatusApproved:        {StatusFinalized, StatusError},
	StatusRejected:        {StatusSyncing, StatusCalculating, StatusError},
	StatusFinalized:       {},
	StatusError:           {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a run status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// EngineVersions identifies the calculator versions a run executed with, for
// reproducibility of finalized numbers.
func EngineVersions() map[string]string {
	return map[string]string{
		"premium_engine":   "v1.0.0",
		"phase_out_filter": "v1.0.0",
		"ttoc_classifier":  "v1.0.0",
	}
}

// Run is one batch of calculations for an organization over a period.
type Run struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	TaxYear        int       `json:"tax_year"`
	Kind           RunKind   `json:"run_kind"`
	Status         RunStatus `json:"status"`

	TotalEmployees     int `json:"total_employees"`
	ProcessedEmployees int `json:"processed_employees"`
	FailedEmployees    int `json:"failed_employees"`
	FlaggedEmployees   int `json:"flagged_employees"`

	// Aggregates stay nil until the run reaches calculating.
	TotalQualifiedOTPremium *decimal.Decimal `json:"total_qualified_ot_premium"`
	TotalQualifiedTips      *decimal.Decimal `json:"total_qualified_tips"`
	TotalCombinedCredit     *decimal.Decimal `json:"total_combined_credit"`
	TotalPhaseOutReduction  *decimal.Decimal `json:"total_phase_out_reduction"`

	PreviousRunID  *uuid.UUID        `json:"previous_run_id"`
	EngineVersions map[string]string `json:"engine_versions"`

	SyncStartedAt        *time.Time `json:"sync_started_at"`
	CalculationStartedAt *time.Time `json:"calculation_started_at"`
	SubmittedAt          *time.Time `json:"submitted_at"`
	SubmittedBy          *uuid.UUID `json:"submitted_by"`
	ApprovedAt           *time.Time `json:"approved_at"`
	ApprovedBy           *uuid.UUID `json:"approved_by"`
	FinalizedAt          *time.Time `json:"finalized_at"`
	RejectionReason      *string    `json:"rejection_reason"`
	ErrorMessage         *string    `json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress returns completion percentage for polling observers.
func (r Run) Progress() float64 {
	if r.TotalEmployees <= 0 {
		if r.Status == StatusPendingApproval || r.Status == StatusApproved || r.Status == StatusFinalized {
			return 100
		}
		return 0
	}
	done := r.ProcessedEmployees + r.FailedEmployees
	pct := float64(done) / float64(r.TotalEmployees) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ResultStatus is the per-employee outcome within one run.
type ResultStatus string

const (
	ResultPending   ResultStatus = "pending"
	ResultCompleted ResultStatus = "completed"
	ResultError     ResultStatus = "error"
	ResultFlagged   ResultStatus = "flagged"
)

// Anomaly flags appended to a result when review rules fire.
const (
	FlagHighOTVariance  = "high_ot_variance"
	FlagMissingTipData  = "missing_tip_data"
	FlagLowConfidence   = "classification_low_confidence"
	FlagPhaseOutRisk    = "phase_out_risk"
	FlagDualJobDetected = "dual_job_detected"
	FlagRateAnomaly     = "regular_rate_anomaly"
	FlagNegativeValue   = "negative_value"
)

// EmployeeResult is one employee's outcome within one run. Once the status is
// completed or error the numeric fields and trace are immutable; corrections
// flow through a new run.
type EmployeeResult struct {
	ID         uuid.UUID    `json:"id"`
	RunID      uuid.UUID    `json:"run_id"`
	EmployeeID uuid.UUID    `json:"employee_id"`
	Status     ResultStatus `json:"status"`

	RegularHours       decimal.Decimal `json:"regular_hours"`
	OvertimeHours      decimal.Decimal `json:"overtime_hours"`
	StateOvertimeHours decimal.Decimal `json:"state_overtime_hours"`
	DoubleTimeHours    decimal.Decimal `json:"double_time_hours"`
	TotalHours         decimal.Decimal `json:"total_hours"`

	GrossWages  decimal.Decimal `json:"gross_wages"`
	RegularRate decimal.Decimal `json:"regular_rate"`

	QualifiedOTPremium decimal.Decimal `json:"qualified_ot_premium"`
	TotalTips          decimal.Decimal `json:"total_tips"`
	QualifiedTips      decimal.Decimal `json:"qualified_tips"`

	ClassificationCode       *string  `json:"classification_code"`
	ClassificationConfidence *float64 `json:"classification_confidence"`

	MAGIEstimate       decimal.Decimal `json:"magi_estimate"`
	PhaseOutPercentage decimal.Decimal `json:"phase_out_percentage"`
	PhaseOutReduction  decimal.Decimal `json:"phase_out_reduction"`

	OTCreditFinal  decimal.Decimal `json:"ot_credit_final"`
	TipCreditFinal decimal.Decimal `json:"tip_credit_final"`
	CombinedCredit decimal.Decimal `json:"combined_credit"`

	Flags        []string       `json:"anomaly_flags"`
	Trace        map[string]any `json:"calculation_trace"`
	InputsHash   string         `json:"inputs_hash"`
	ErrorMessage *string        `json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
