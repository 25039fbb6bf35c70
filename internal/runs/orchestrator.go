package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/safeharborhq/compliance-core/internal/classify"
	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/phaseout"
	"github.com/safeharborhq/compliance-core/internal/premium"
	"github.com/safeharborhq/compliance-core/internal/vault"
)

// CalculationRecorder appends calculation and classification entries to the
// compliance ledger. *vault.Ledger satisfies it.
type CalculationRecorder interface {
	AppendCalculation(ctx context.Context, orgID, runID, employeeID uuid.UUID, data map[string]any, actor vault.Actor) (vault.Entry, error)
	AppendClassification(ctx context.Context, orgID, employeeID uuid.UUID, data map[string]any, actor vault.Actor) (vault.Entry, error)
}

// Orchestrator drives a run through syncing and calculating: it loads the
// roster, pushes every employee through the credit pipeline with bounded
// parallelism, records each outcome, and hands the run to approval.
type Orchestrator struct {
	Store      Store
	Roster     RosterProvider
	Classifier classify.Classifier
	Recorder   CalculationRecorder
	Log        zerolog.Logger

	// Concurrency bounds parallel employee calculations. Zero means 4.
	Concurrency int
	// ProgressInterval is how many employee outcomes accumulate before the
	// run counters are flushed. Zero means 10.
	ProgressInterval int
	Anomaly          AnomalyConfig
}

const (
	defaultConcurrency      = 4
	defaultProgressInterval = 10
)

// Execute processes a pending (or rejected) run to completion. Employee
// failures are recorded per employee and never abort the batch; the run ends
// in pending_approval whenever the batch itself ran to the end, and in error
// only when a phase-level failure or cancellation stopped it.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) error {
	if o == nil || o.Store == nil || o.Roster == nil {
		return ErrStoreUnavailable
	}
	run, err := o.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if err := o.Store.MarkSyncing(ctx, runID); err != nil {
		return fmt.Errorf("runs: start sync: %w", err)
	}
	countRunTransition(run.Kind, StatusSyncing)

	roster, err := o.Roster.Roster(ctx, run.OrganizationID, run)
	if err != nil {
		return o.fail(ctx, run, fmt.Errorf("runs: sync roster: %w", err))
	}
	if len(roster) == 0 {
		return o.fail(ctx, run, errors.New("runs: no employee records for period"))
	}

	if err := o.Store.MarkCalculating(ctx, runID, len(roster)); err != nil {
		return o.fail(ctx, run, fmt.Errorf("runs: start calculation: %w", err))
	}
	countRunTransition(run.Kind, StatusCalculating)
	o.Log.Info().
		Str("run_id", runID.String()).
		Str("organization_id", run.OrganizationID.String()).
		Int("employees", len(roster)).
		Msg("run calculation started")

	// A cancel request arrives as a status flip in the store (the run is no
	// longer calculating). Every progress flush re-reads the status so the
	// batch stops between employees instead of running to the end.
	runCtx, stopRun := context.WithCancelCause(ctx)
	defer stopRun(nil)

	progress := &progressBatcher{store: o.Store, runID: runID, interval: o.progressInterval(), log: o.Log}
	progress.afterFlush = func(fctx context.Context) {
		current, err := o.Store.GetRun(fctx, runID)
		if err != nil {
			return
		}
		if current.Status != StatusCalculating {
			stopRun(errRunHalted)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(o.concurrency())
	for _, record := range roster {
		record := record
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o.processEmployee(gctx, run, record, progress)
			return nil
		})
	}
	waitErr := g.Wait()
	flushCtx := context.WithoutCancel(ctx)
	progress.flush(flushCtx)
	if errors.Is(context.Cause(runCtx), errRunHalted) {
		o.Log.Warn().
			Str("run_id", runID.String()).
			Int("processed", progress.totalProcessed).
			Int("failed", progress.totalFailed).
			Msg("run no longer calculating; stopping between employees")
		return nil
	}
	if waitErr != nil {
		// Process-level cancellation: flushed what finished, leave the run
		// recoverable.
		return o.fail(flushCtx, run, fmt.Errorf("runs: calculation interrupted: %w", waitErr))
	}

	if err := o.Store.MarkPendingApproval(ctx, runID); err != nil {
		return o.fail(ctx, run, fmt.Errorf("runs: submit for approval: %w", err))
	}
	countRunTransition(run.Kind, StatusPendingApproval)
	o.Log.Info().
		Str("run_id", runID.String()).
		Int("processed", progress.totalProcessed).
		Int("failed", progress.totalFailed).
		Int("flagged", progress.totalFlagged).
		Msg("run awaiting approval")
	return nil
}

func (o *Orchestrator) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return defaultConcurrency
}

func (o *Orchestrator) progressInterval() int {
	if o.ProgressInterval > 0 {
		return o.ProgressInterval
	}
	return defaultProgressInterval
}

func (o *Orchestrator) fail(ctx context.Context, run Run, cause error) error {
	if markErr := o.Store.MarkError(ctx, run.ID, cause.Error()); markErr != nil {
		o.Log.Error().Err(markErr).Str("run_id", run.ID.String()).Msg("could not mark run as errored")
	}
	countRunTransition(run.Kind, StatusError)
	o.Log.Error().Err(cause).Str("run_id", run.ID.String()).Msg("run failed")
	return cause
}

func (o *Orchestrator) processEmployee(ctx context.Context, run Run, record EmployeeRecord, progress *progressBatcher) {
	result, err := o.calculate(ctx, run, record)
	if err != nil {
		msg := err.Error()
		errResult := EmployeeResult{
			ID:           uuid.New(),
			RunID:        run.ID,
			EmployeeID:   record.EmployeeID,
			Status:       ResultError,
			ErrorMessage: &msg,
			InputsHash:   hashInputs(record),
			CreatedAt:    time.Now().UTC(),
		}
		if insertErr := o.Store.InsertResult(ctx, errResult); insertErr != nil {
			o.Log.Error().Err(insertErr).
				Str("run_id", run.ID.String()).
				Str("employee_id", record.EmployeeID.String()).
				Msg("could not persist failed result")
		}
		countEmployeeOutcome("error")
		o.Log.Warn().Err(err).
			Str("run_id", run.ID.String()).
			Str("employee_id", record.EmployeeID.String()).
			Msg("employee calculation failed")
		progress.record(ctx, 0, 1, 0)
		return
	}

	if err := o.Store.InsertResult(ctx, result); err != nil {
		o.Log.Error().Err(err).
			Str("run_id", run.ID.String()).
			Str("employee_id", record.EmployeeID.String()).
			Msg("could not persist result")
		countEmployeeOutcome("error")
		progress.record(ctx, 0, 1, 0)
		return
	}

	if o.Recorder != nil {
		_, err := o.Recorder.AppendCalculation(ctx, run.OrganizationID, run.ID, record.EmployeeID, map[string]any{
			"qualified_ot_premium": result.QualifiedOTPremium.String(),
			"qualified_tips":       result.QualifiedTips.String(),
			"combined_credit":      result.CombinedCredit.String(),
			"phase_out_percentage": result.PhaseOutPercentage.String(),
			"inputs_hash":          result.InputsHash,
			"engine_versions":      run.EngineVersions,
		}, vault.Actor{Type: vault.ActorSystem})
		if err != nil {
			o.Log.Error().Err(err).
				Str("run_id", run.ID.String()).
				Str("employee_id", record.EmployeeID.String()).
				Msg("could not append calculation to vault")
		}
	}

	flagged := 0
	if result.Status == ResultFlagged {
		flagged = 1
		countEmployeeOutcome("flagged")
	} else {
		countEmployeeOutcome("completed")
	}
	progress.record(ctx, 1, 0, flagged)
}

func (o *Orchestrator) calculate(ctx context.Context, run Run, record EmployeeRecord) (EmployeeResult, error) {
	premiumResult := premium.Calculate(premium.Input{
		EmployeeID:              record.EmployeeID.String(),
		PeriodStart:             run.PeriodStart.Format("2006-01-02"),
		PeriodEnd:               run.PeriodEnd.Format("2006-01-02"),
		RegularHours:            record.RegularHours,
		OvertimeHours:           record.OvertimeHours,
		StateOvertimeHours:      record.StateOvertimeHours,
		DoubleTimeHours:         record.DoubleTimeHours,
		HourlyRate:              record.HourlyRate,
		ShiftDifferentials:      record.ShiftDifferentials,
		NonDiscretionaryBonuses: record.NonDiscretionaryBonuses,
		Commissions:             record.Commissions,
		PieceRateEarnings:       record.PieceRateEarnings,
		DiscretionaryBonuses:    record.DiscretionaryBonuses,
	})

	var (
		classification *classify.Result
		occupationCode string
		tipped         bool
	)
	if o.Classifier != nil && record.JobTitle != "" {
		res, err := o.Classifier.Classify(ctx, classify.Input{
			EmployeeID: record.EmployeeID.String(),
			JobTitle:   record.JobTitle,
		})
		if err != nil {
			return EmployeeResult{}, fmt.Errorf("classify: %w", err)
		}
		classification = &res
		occupationCode = res.Code
		tipped = res.Tipped
		if o.Recorder != nil {
			if _, err := o.Recorder.AppendClassification(ctx, run.OrganizationID, record.EmployeeID, map[string]any{
				"ttoc_code":        res.Code,
				"confidence_score": res.Confidence,
				"model_id":         res.ModelID,
				"prompt_version":   res.PromptVersion,
				"prompt_hash":      res.PromptHash,
				"response_hash":    res.ResponseHash,
			}, vault.Actor{Type: vault.ActorSystem}); err != nil {
				o.Log.Error().Err(err).
					Str("employee_id", record.EmployeeID.String()).
					Msg("could not append classification to vault")
			}
		}
	}

	tipResult := premium.CalculateTipCredit(premium.TipInput{
		CashTips:             record.CashTips,
		ChargedTips:          record.ChargedTips,
		TipPoolReceived:      record.TipPoolReceived,
		TipPoolContributed:   record.TipPoolContributed,
		OccupationCode:       occupationCode,
		HoursInTippedRole:    record.HoursInTippedRole,
		HoursInNonTippedRole: record.HoursInNonTippedRole,
	})

	phaseOut := phaseout.Apply(phaseout.Input{
		EmployeeID:             record.EmployeeID.String(),
		TaxYear:                run.TaxYear,
		FilingStatus:           record.FilingStatus,
		Wages:                  record.YTDWages,
		SelfEmploymentIncome:   record.SelfEmploymentIncome,
		InvestmentIncome:       record.InvestmentIncome,
		OtherIncome:            record.OtherIncome,
		AboveTheLineDeductions: record.AboveTheLineDeductions,
		OTCreditPre:            premiumResult.QualifiedOTPremium,
		TipCreditPre:           tipResult.QualifiedTips,
	})

	result := EmployeeResult{
		ID:                 uuid.New(),
		RunID:              run.ID,
		EmployeeID:         record.EmployeeID,
		Status:             ResultCompleted,
		RegularHours:       record.RegularHours,
		OvertimeHours:      record.OvertimeHours,
		StateOvertimeHours: record.StateOvertimeHours,
		DoubleTimeHours:    record.DoubleTimeHours,
		TotalHours:         premiumResult.TotalHours,
		GrossWages:         premiumResult.TotalCompensation,
		RegularRate:        premiumResult.RegularRate,
		QualifiedOTPremium: premiumResult.QualifiedOTPremium,
		TotalTips:          tipResult.TotalTips,
		QualifiedTips:      tipResult.QualifiedTips,
		MAGIEstimate:       phaseOut.CalculatedMAGI,
		PhaseOutPercentage: phaseOut.PhaseOutPercentage,
		PhaseOutReduction:  phaseOut.OTCreditReduction.Add(phaseOut.TipCreditReduction),
		OTCreditFinal:      phaseOut.OTCreditFinal,
		TipCreditFinal:     phaseOut.TipCreditFinal,
		CombinedCredit:     phaseOut.CombinedFinal,
		InputsHash:         hashInputs(record),
		CreatedAt:          time.Now().UTC(),
	}
	if classification != nil {
		code := classification.Code
		confidence := classification.Confidence
		result.ClassificationCode = &code
		result.ClassificationConfidence = &confidence
	}

	elapsed, total := payPeriodsInYear(run.PeriodStart, run.PeriodEnd)
	annualMAGI := phaseout.EstimateAnnualMAGI(
		record.YTDWages, elapsed, total,
		record.SelfEmploymentIncome.Add(record.InvestmentIncome).Add(record.OtherIncome))
	risk := phaseout.AssessRisk(annualMAGI, record.FilingStatus, run.TaxYear)

	result.Trace = buildTrace(premiumResult, tipResult, phaseOut, classification)
	result.Trace["annual_magi_estimate"] = annualMAGI.String()
	result.Trace["annual_risk_level"] = string(risk.Level)
	result.Trace["annual_risk_percent"] = risk.Percent.String()

	var prior *EmployeeResult
	if p, err := o.Store.PriorResult(ctx, run.OrganizationID, record.EmployeeID, run.PeriodStart); err == nil {
		prior = &p
	} else if !errors.Is(err, ErrResultNotFound) {
		o.Log.Warn().Err(err).
			Str("employee_id", record.EmployeeID.String()).
			Msg("could not load prior result for anomaly comparison")
	}
	result.Flags = DetectAnomalies(o.Anomaly, record, result, tipped, prior)
	if len(result.Flags) > 0 {
		result.Status = ResultFlagged
	}
	return result, nil
}

// payPeriodsInYear derives the pay-period cadence from the run's period
// length and returns how many periods of the tax year have elapsed by the
// period end, plus the year total.
func payPeriodsInYear(start, end time.Time) (elapsed, total int) {
	days := int(end.Sub(start).Hours()/24) + 1
	if days <= 0 {
		days = 14
	}
	total = 365 / days
	if total < 1 {
		total = 1
	}
	elapsed = end.YearDay() / days
	if elapsed < 1 {
		elapsed = 1
	}
	if elapsed > total {
		elapsed = total
	}
	return elapsed, total
}

// hashInputs fingerprints the payroll inputs that produced a result, so a
// finalized number can later be tied to the exact data it came from.
func hashInputs(record EmployeeRecord) string {
	encoded, err := json.Marshal(map[string]string{
		"employee_id":          record.EmployeeID.String(),
		"regular_hours":        record.RegularHours.String(),
		"overtime_hours":       record.OvertimeHours.String(),
		"state_ot_hours":       record.StateOvertimeHours.String(),
		"double_time_hours":    record.DoubleTimeHours.String(),
		"hourly_rate":          record.HourlyRate.String(),
		"cash_tips":            record.CashTips.String(),
		"charged_tips":         record.ChargedTips.String(),
		"tip_pool_received":    record.TipPoolReceived.String(),
		"tip_pool_contributed": record.TipPoolContributed.String(),
		"ytd_wages":            record.YTDWages.String(),
	})
	if err != nil {
		return ""
	}
	return common.Sha256Hex(string(encoded))
}

func buildTrace(p premium.Result, t premium.TipResult, ph phaseout.Result, c *classify.Result) map[string]any {
	trace := map[string]any{
		"regular_rate":        p.RegularRate.String(),
		"total_hours":         p.TotalHours.String(),
		"ot_premium":          p.QualifiedOTPremium.String(),
		"minimum_wage_floor":  p.MinimumWageApplied,
		"premium_notes":       p.Notes,
		"tip_eligible":        t.Eligible,
		"tip_dual_role":       t.DualRole,
		"qualified_tips":      t.QualifiedTips.String(),
		"magi":                ph.CalculatedMAGI.String(),
		"phase_out_pct":       ph.PhaseOutPercentage.String(),
		"threshold_year_used": ph.ThresholdYearUsed,
		"threshold_fallback":  ph.YearFallback,
		"phase_out_notes":     ph.Notes,
	}
	if t.Reason != "" {
		trace["tip_ineligibility_reason"] = t.Reason
	}
	if c != nil {
		trace["ttoc_code"] = c.Code
		trace["ttoc_confidence"] = c.Confidence
		trace["ttoc_model"] = c.ModelID
	}
	return trace
}

// errRunHalted marks a run whose status left calculating mid-batch, which is
// how an external Cancel (or a competing error transition) reaches the
// orchestrator.
var errRunHalted = errors.New("runs: run no longer calculating")

// progressBatcher accumulates per-employee outcomes and flushes them to the
// run counters every interval completions, so a large batch does not issue
// one UPDATE per employee.
type progressBatcher struct {
	store      Store
	runID      uuid.UUID
	interval   int
	log        zerolog.Logger
	afterFlush func(context.Context)

	mu        sync.Mutex
	processed int
	failed    int
	flagged   int

	totalProcessed int
	totalFailed    int
	totalFlagged   int
}

func (b *progressBatcher) record(ctx context.Context, processed, failed, flagged int) {
	b.mu.Lock()
	b.processed += processed
	b.failed += failed
	b.flagged += flagged
	b.totalProcessed += processed
	b.totalFailed += failed
	b.totalFlagged += flagged
	shouldFlush := b.processed+b.failed >= b.interval
	b.mu.Unlock()
	if shouldFlush {
		b.flush(ctx)
	}
}

func (b *progressBatcher) flush(ctx context.Context) {
	b.mu.Lock()
	processed, failed, flagged := b.processed, b.failed, b.flagged
	b.processed, b.failed, b.flagged = 0, 0, 0
	b.mu.Unlock()
	if processed == 0 && failed == 0 && flagged == 0 {
		return
	}
	if err := b.store.IncrementProgress(ctx, b.runID, processed, failed, flagged); err != nil {
		b.log.Warn().Err(err).
			Str("run_id", b.runID.String()).
			Int("processed", processed).
			Int("failed", failed).
			Msg("could not persist run progress")
	}
	if b.afterFlush != nil {
		b.afterFlush(ctx)
	}
}
