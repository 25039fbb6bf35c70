package writeback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/resilience"
	"github.com/safeharborhq/compliance-core/internal/runs"
	"github.com/safeharborhq/compliance-core/internal/vault"
)

var (
	// ErrInvalidState indicates a record is not in a status that permits
	// the requested transition.
	ErrInvalidState = errors.New("writeback: record not in required state")
	// ErrRunNotFinalized indicates write-back was requested for a run whose
	// numbers are not locked yet.
	ErrRunNotFinalized = errors.New("writeback: run is not finalized")
	// ErrAlreadyPrepared indicates records already exist for the run.
	ErrAlreadyPrepared = errors.New("writeback: records already prepared for run")
	// ErrNothingStaged indicates the run produced no reportable amounts.
	ErrNothingStaged = errors.New("writeback: run has no reportable amounts")
	// ErrNothingToExecute indicates no approved records exist for the run.
	ErrNothingToExecute = errors.New("writeback: no approved records for run")
	// ErrNothingToRollBack indicates no completed records exist for the run.
	ErrNothingToRollBack = errors.New("writeback: no completed records for run")
	// ErrPosterUnavailable indicates the payroll system circuit is open.
	ErrPosterUnavailable = errors.New("writeback: payroll system unavailable")
	// ErrActorRequired indicates the acting user is missing.
	ErrActorRequired = errors.New("writeback: acting user is required")
)

// RunSource reads finalized runs and their results. runs.Store satisfies it.
type RunSource interface {
	GetRun(ctx context.Context, id uuid.UUID) (runs.Run, error)
	ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]runs.EmployeeResult, error)
}

// LedgerRecorder appends write-back entries. *vault.Ledger satisfies it.
type LedgerRecorder interface {
	AppendWriteBack(ctx context.Context, orgID uuid.UUID, data map[string]any, actor vault.Actor) (vault.Entry, error)
}

// Service stages, approves, executes, and rolls back Box 12 write-backs
// against the external payroll system.
type Service struct {
	Store    Store
	Runs     RunSource
	Poster   Poster
	Recorder LedgerRecorder
	Bus      *events.Bus
	Breaker  *resilience.Breaker
	Log      zerolog.Logger
}

const resultPageSize = 200

// Prepare stages one pending record per employee per applicable Box 12 code
// from a finalized run's results. Zero amounts are not staged.
func (s *Service) Prepare(ctx context.Context, orgID, runID uuid.UUID) ([]Record, error) {
	if s == nil || s.Store == nil || s.Runs == nil {
		return nil, ErrStoreUnavailable
	}
	run, err := s.run(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != runs.StatusFinalized {
		return nil, ErrRunNotFinalized
	}
	existing, err := s.Store.CountByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrAlreadyPrepared
	}

	now := time.Now().UTC()
	var staged []Record
	for offset := 0; ; offset += resultPageSize {
		results, err := s.Runs.ListResults(ctx, runID, resultPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, result := range results {
			if result.Status != runs.ResultCompleted && result.Status != runs.ResultFlagged {
				continue
			}
			for _, record := range stageRecords(run, result, now) {
				if err := s.Store.Insert(ctx, record); err != nil {
					return nil, err
				}
				staged = append(staged, record)
			}
		}
		if len(results) < resultPageSize {
			break
		}
	}
	if len(staged) == 0 {
		return nil, ErrNothingStaged
	}
	s.Log.Info().
		Str("run_id", runID.String()).
		Int("records", len(staged)).
		Msg("write-back records prepared")
	return staged, nil
}

// stageRecords picks the Box 12 codes applicable to one employee result.
// TT carries the qualified overtime credit and TP the qualified tip credit;
// TS carries the combined figure for employees with state overtime hours,
// whose W-2 reports the blended amount.
func stageRecords(run runs.Run, result runs.EmployeeResult, now time.Time) []Record {
	candidates := []struct {
		code   Code
		amount decimal.Decimal
	}{
		{CodeTT, result.OTCreditFinal},
		{CodeTP, result.TipCreditFinal},
	}
	if result.StateOvertimeHours.IsPositive() {
		candidates = append(candidates, struct {
			code   Code
			amount decimal.Decimal
		}{CodeTS, result.CombinedCredit})
	}

	var records []Record
	for _, candidate := range candidates {
		if !candidate.amount.IsPositive() {
			continue
		}
		records = append(records, Record{
			ID:             uuid.New(),
			OrganizationID: run.OrganizationID,
			RunID:          run.ID,
			EmployeeID:     result.EmployeeID,
			Code:           candidate.code,
			Amount:         candidate.amount,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return records
}

// Approve moves every pending record of the run to approved.
func (s *Service) Approve(ctx context.Context, orgID, runID, actorID uuid.UUID) ([]Record, error) {
	if s == nil || s.Store == nil {
		return nil, ErrStoreUnavailable
	}
	if actorID == uuid.Nil {
		return nil, ErrActorRequired
	}
	if _, err := s.run(ctx, orgID, runID); err != nil {
		return nil, err
	}
	records, err := s.Store.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	approved := 0
	for _, record := range records {
		if record.Status != StatusPending {
			continue
		}
		if err := s.Store.MarkApproved(ctx, record.ID, actorID); err != nil {
			return nil, err
		}
		approved++
	}
	if approved == 0 {
		return nil, ErrInvalidState
	}
	s.Log.Info().
		Str("run_id", runID.String()).
		Str("approved_by", actorID.String()).
		Int("records", approved).
		Msg("write-back records approved")
	return s.Store.ListByRun(ctx, runID)
}

// ExecutionReport summarizes one execution or rollback pass.
type ExecutionReport struct {
	RunID     uuid.UUID `json:"run_id"`
	Executed  int       `json:"executed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Completed bool      `json:"completed"`
}

// Execute posts every approved record to the payroll system. The previous
// Box 12 value returned by the poster is retained so the record can be
// rolled back. Individual post failures mark their record failed and do not
// abort the pass.
func (s *Service) Execute(ctx context.Context, orgID, runID, actorID uuid.UUID) (ExecutionReport, error) {
	report := ExecutionReport{RunID: runID}
	if s == nil || s.Store == nil || s.Poster == nil {
		return report, ErrStoreUnavailable
	}
	if actorID == uuid.Nil {
		return report, ErrActorRequired
	}
	if _, err := s.run(ctx, orgID, runID); err != nil {
		return report, err
	}
	records, err := s.Store.ListByRun(ctx, runID)
	if err != nil {
		return report, err
	}

	for _, record := range records {
		if record.Status != StatusApproved {
			report.Skipped++
			continue
		}
		if s.Breaker != nil && !s.Breaker.Allow(ctx) {
			return report, ErrPosterUnavailable
		}
		if err := s.Store.UpdateStatus(ctx, record.ID, []Status{StatusApproved}, StatusExecuting); err != nil {
			return report, err
		}
		previous, err := s.Poster.Post(ctx, record)
		if s.Breaker != nil {
			s.Breaker.Report(ctx, err == nil)
		}
		if err != nil {
			report.Failed++
			s.Log.Error().Err(err).
				Str("record_id", record.ID.String()).
				Str("employee_id", record.EmployeeID.String()).
				Str("box12_code", string(record.Code)).
				Msg("write-back post failed")
			if markErr := s.Store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
				return report, markErr
			}
			continue
		}
		if err := s.Store.MarkCompleted(ctx, record.ID, previous); err != nil {
			return report, err
		}
		report.Executed++
	}
	if report.Executed == 0 && report.Failed == 0 {
		return report, ErrNothingToExecute
	}
	report.Completed = report.Failed == 0

	s.record(ctx, orgID, actorID, map[string]any{
		"run_id":   runID.String(),
		"action":   "write_back_executed",
		"executed": report.Executed,
		"failed":   report.Failed,
	})
	s.emit(ctx, events.TopicWriteBackExecuted, runID, report)
	s.Log.Info().
		Str("run_id", runID.String()).
		Int("executed", report.Executed).
		Int("failed", report.Failed).
		Msg("write-back executed")
	return report, nil
}

// Rollback restores the previous Box 12 values for every completed record of
// the run. Records without a retained previous value are restored to zero by
// the poster.
func (s *Service) Rollback(ctx context.Context, orgID, runID, actorID uuid.UUID, reason string) (ExecutionReport, error) {
	report := ExecutionReport{RunID: runID}
	if s == nil || s.Store == nil || s.Poster == nil {
		return report, ErrStoreUnavailable
	}
	if actorID == uuid.Nil {
		return report, ErrActorRequired
	}
	if _, err := s.run(ctx, orgID, runID); err != nil {
		return report, err
	}
	records, err := s.Store.ListByRun(ctx, runID)
	if err != nil {
		return report, err
	}

	rolledBack := 0
	for _, record := range records {
		if record.Status != StatusCompleted {
			report.Skipped++
			continue
		}
		if s.Breaker != nil && !s.Breaker.Allow(ctx) {
			return report, ErrPosterUnavailable
		}
		err := s.Poster.Restore(ctx, record)
		if s.Breaker != nil {
			s.Breaker.Report(ctx, err == nil)
		}
		if err != nil {
			report.Failed++
			s.Log.Error().Err(err).
				Str("record_id", record.ID.String()).
				Str("box12_code", string(record.Code)).
				Msg("write-back restore failed")
			if markErr := s.Store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
				return report, markErr
			}
			continue
		}
		if err := s.Store.MarkRolledBack(ctx, record.ID); err != nil {
			return report, err
		}
		rolledBack++
	}
	if rolledBack == 0 && report.Failed == 0 {
		return report, ErrNothingToRollBack
	}
	report.Executed = rolledBack
	report.Completed = report.Failed == 0

	s.record(ctx, orgID, actorID, map[string]any{
		"run_id":      runID.String(),
		"action":      "write_back_rolled_back",
		"rolled_back": rolledBack,
		"failed":      report.Failed,
		"reason":      reason,
	})
	s.emit(ctx, events.TopicWriteBackRolledBack, runID, report)
	s.Log.Info().
		Str("run_id", runID.String()).
		Int("rolled_back", rolledBack).
		Str("reason", reason).
		Msg("write-back rolled back")
	return report, nil
}

// Records lists the staged records for one run, org-scoped.
func (s *Service) Records(ctx context.Context, orgID, runID uuid.UUID) ([]Record, error) {
	if s == nil || s.Store == nil {
		return nil, ErrStoreUnavailable
	}
	if _, err := s.run(ctx, orgID, runID); err != nil {
		return nil, err
	}
	return s.Store.ListByRun(ctx, runID)
}

func (s *Service) run(ctx context.Context, orgID, runID uuid.UUID) (runs.Run, error) {
	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		return runs.Run{}, err
	}
	if run.OrganizationID != orgID {
		return runs.Run{}, runs.ErrRunNotFound
	}
	return run, nil
}

func (s *Service) record(ctx context.Context, orgID, actorID uuid.UUID, data map[string]any) {
	if s.Recorder == nil {
		return
	}
	actor := vault.Actor{ID: &actorID, Type: vault.ActorUser}
	if _, err := s.Recorder.AppendWriteBack(ctx, orgID, data, actor); err != nil {
		s.Log.Error().Err(err).Msg("failed to append write-back ledger entry")
	}
}

func (s *Service) emit(ctx context.Context, topic string, runID uuid.UUID, payload any) {
	if s.Bus == nil {
		return
	}
	if _, err := s.Bus.Emit(ctx, topic, runID, payload); err != nil {
		s.Log.Error().Err(err).Str("topic", topic).Msg("failed to emit write-back event")
	}
}
