package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/lock"
	"github.com/safeharborhq/compliance-core/internal/vault"
)

// Validation and state errors surfaced to the HTTP layer.
var (
	ErrInvalidPeriod  = errors.New("runs: period end must not precede period start")
	ErrInvalidKind    = errors.New("runs: unknown run kind")
	ErrPeriodConflict = errors.New("runs: an active run already covers this period")
	ErrActorRequired  = errors.New("runs: acting user is required")
	ErrReasonRequired = errors.New("runs: rejection reason is required")
	ErrNotApprovable  = errors.New("runs: run is not awaiting approval")
	ErrNotFinalizable = errors.New("runs: run is not approved")
	ErrRunTerminal    = errors.New("runs: run is already in a terminal state")
)

// ApprovalRecorder appends approval decisions to the compliance ledger.
// *vault.Ledger satisfies it.
type ApprovalRecorder interface {
	AppendApproval(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, action string, actorID uuid.UUID, details map[string]any) (vault.Entry, error)
}

// Scheduler hands run work to the background queue.
type Scheduler interface {
	ScheduleRun(ctx context.Context, runID uuid.UUID) error
	ScheduleChainVerification(ctx context.Context, orgID uuid.UUID) error
}

// Service owns the run lifecycle outside of calculation itself: creation,
// the approval gate, finalization, and cancellation.
type Service struct {
	Store     Store
	Recorder  ApprovalRecorder
	Scheduler Scheduler
	Bus       *events.Bus
	Locker    lock.Locker
	Log       zerolog.Logger

	// DefaultTaxYear applies when a create request omits the tax year.
	DefaultTaxYear int
	LockTTL        time.Duration
}

// CreateInput describes a new run request.
type CreateInput struct {
	OrganizationID uuid.UUID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TaxYear        int
	Kind           RunKind
}

// Create validates and persists a new pending run, links it to the previous
// finalized run, and schedules it for processing.
func (s *Service) Create(ctx context.Context, in CreateInput) (Run, error) {
	if s == nil || s.Store == nil {
		return Run{}, ErrStoreUnavailable
	}
	if in.Kind == "" {
		in.Kind = KindPeriodic
	}
	if !ValidKind(in.Kind) {
		return Run{}, fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	if in.PeriodEnd.Before(in.PeriodStart) {
		return Run{}, ErrInvalidPeriod
	}
	if in.TaxYear == 0 {
		if s.DefaultTaxYear != 0 {
			in.TaxYear = s.DefaultTaxYear
		} else {
			in.TaxYear = in.PeriodEnd.Year()
		}
	}

	conflict, err := s.Store.HasActiveRun(ctx, in.OrganizationID, in.PeriodStart, in.PeriodEnd)
	if err != nil {
		return Run{}, err
	}
	if conflict {
		return Run{}, ErrPeriodConflict
	}

	run := Run{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		PeriodStart:    in.PeriodStart,
		PeriodEnd:      in.PeriodEnd,
		TaxYear:        in.TaxYear,
		Kind:           in.Kind,
		Status:         StatusPending,
		EngineVersions: EngineVersions(),
		CreatedAt:      time.Now().UTC(),
	}
	if previous, err := s.Store.LatestFinalized(ctx, in.OrganizationID); err == nil {
		id := previous.ID
		run.PreviousRunID = &id
	} else if !errors.Is(err, ErrRunNotFound) {
		return Run{}, err
	}

	if err := s.Store.InsertRun(ctx, run); err != nil {
		return Run{}, err
	}
	countRunTransition(run.Kind, StatusPending)
	s.Log.Info().
		Str("run_id", run.ID.String()).
		Str("organization_id", run.OrganizationID.String()).
		Str("kind", string(run.Kind)).
		Int("tax_year", run.TaxYear).
		Msg("run created")

	if s.Scheduler != nil {
		if err := s.Scheduler.ScheduleRun(ctx, run.ID); err != nil {
			s.Log.Error().Err(err).Str("run_id", run.ID.String()).Msg("could not schedule run")
		}
	}
	return s.Store.GetRun(ctx, run.ID)
}

// Get fetches a run scoped to the organization.
func (s *Service) Get(ctx context.Context, orgID, runID uuid.UUID) (Run, error) {
	if s == nil || s.Store == nil {
		return Run{}, ErrStoreUnavailable
	}
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.OrganizationID != orgID {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

// List fetches runs for the organization newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	if s == nil || s.Store == nil {
		return nil, ErrStoreUnavailable
	}
	return s.Store.ListRuns(ctx, filter)
}

// Results pages through a run's employee outcomes.
func (s *Service) Results(ctx context.Context, orgID, runID uuid.UUID, limit, offset int) ([]EmployeeResult, error) {
	if _, err := s.Get(ctx, orgID, runID); err != nil {
		return nil, err
	}
	return s.Store.ListResults(ctx, runID, limit, offset)
}

// Approve moves a pending_approval run to approved. The decision is recorded
// in the ledger with the acting user.
func (s *Service) Approve(ctx context.Context, orgID, runID, actorID uuid.UUID) (Run, error) {
	if actorID == uuid.Nil {
		return Run{}, ErrActorRequired
	}
	run, err := s.Get(ctx, orgID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != StatusPendingApproval {
		return Run{}, ErrNotApprovable
	}
	if err := s.Store.Approve(ctx, runID, actorID); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Run{}, ErrNotApprovable
		}
		return Run{}, err
	}
	countRunTransition(run.Kind, StatusApproved)
	s.recordDecision(ctx, orgID, runID, "run_approved", actorID, map[string]any{
		"total_combined_credit": decimalString(run.TotalCombinedCredit),
	})
	s.emit(ctx, events.TopicRunStatusChanged, runID, map[string]any{
		"run_id": runID.String(), "status": string(StatusApproved),
	})
	s.Log.Info().Str("run_id", runID.String()).Str("actor_id", actorID.String()).Msg("run approved")
	return s.Store.GetRun(ctx, runID)
}

// Reject moves a pending_approval run back to rejected with a mandatory
// reason, from which it can be re-synced.
func (s *Service) Reject(ctx context.Context, orgID, runID, actorID uuid.UUID, reason string) (Run, error) {
	if actorID == uuid.Nil {
		return Run{}, ErrActorRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Run{}, ErrReasonRequired
	}
	run, err := s.Get(ctx, orgID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != StatusPendingApproval {
		return Run{}, ErrNotApprovable
	}
	if err := s.Store.Reject(ctx, runID, actorID, reason); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Run{}, ErrNotApprovable
		}
		return Run{}, err
	}
	countRunTransition(run.Kind, StatusRejected)
	s.recordDecision(ctx, orgID, runID, "run_rejected", actorID, map[string]any{"reason": reason})
	s.emit(ctx, events.TopicRunStatusChanged, runID, map[string]any{
		"run_id": runID.String(), "status": string(StatusRejected), "reason": reason,
	})
	s.Log.Info().Str("run_id", runID.String()).Str("actor_id", actorID.String()).Msg("run rejected")
	return s.Store.GetRun(ctx, runID)
}

// Finalize locks an approved run's numbers permanently: the ledger gets a
// finalization entry with the aggregate totals, and a chain verification is
// scheduled so tampering surfaces immediately rather than at the next audit.
func (s *Service) Finalize(ctx context.Context, orgID, runID, actorID uuid.UUID) (Run, error) {
	if actorID == uuid.Nil {
		return Run{}, ErrActorRequired
	}
	run, err := s.Get(ctx, orgID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status != StatusApproved {
		return Run{}, ErrNotFinalizable
	}

	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	finalize := func(ctx context.Context) error {
		if err := s.Store.MarkFinalized(ctx, runID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return ErrNotFinalizable
			}
			return err
		}
		return nil
	}
	if s.Locker.R != nil {
		err = s.Locker.WithLock(ctx, "runs:finalize:"+runID.String(), ttl, finalize)
	} else {
		err = finalize(ctx)
	}
	if err != nil {
		return Run{}, err
	}

	countRunTransition(run.Kind, StatusFinalized)
	s.recordDecision(ctx, orgID, runID, "run_finalized", actorID, map[string]any{
		"total_qualified_ot_premium": decimalString(run.TotalQualifiedOTPremium),
		"total_qualified_tips":       decimalString(run.TotalQualifiedTips),
		"total_combined_credit":      decimalString(run.TotalCombinedCredit),
		"total_phase_out_reduction":  decimalString(run.TotalPhaseOutReduction),
		"engine_versions":            run.EngineVersions,
	})
	s.emit(ctx, events.TopicRunFinalized, runID, map[string]any{
		"run_id":                runID.String(),
		"organization_id":       orgID.String(),
		"total_combined_credit": decimalString(run.TotalCombinedCredit),
	})
	if s.Scheduler != nil {
		if err := s.Scheduler.ScheduleChainVerification(ctx, orgID); err != nil {
			s.Log.Error().Err(err).Str("organization_id", orgID.String()).Msg("could not schedule chain verification")
		}
	}
	s.Log.Info().Str("run_id", runID.String()).Str("actor_id", actorID.String()).Msg("run finalized")
	return s.Store.GetRun(ctx, runID)
}

// Cancel aborts a non-terminal run. Workers observe the status flip at their
// next progress flush and stop scheduling further employees.
func (s *Service) Cancel(ctx context.Context, orgID, runID uuid.UUID, reason string) (Run, error) {
	run, err := s.Get(ctx, orgID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status.Terminal() {
		return Run{}, ErrRunTerminal
	}
	message := "canceled"
	if reason = strings.TrimSpace(reason); reason != "" {
		message = "canceled: " + reason
	}
	if err := s.Store.MarkError(ctx, runID, message); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return Run{}, ErrRunTerminal
		}
		return Run{}, err
	}
	countRunTransition(run.Kind, StatusError)
	s.emit(ctx, events.TopicRunFailed, runID, map[string]any{
		"run_id": runID.String(), "error": message,
	})
	s.Log.Warn().Str("run_id", runID.String()).Str("reason", message).Msg("run canceled")
	return s.Store.GetRun(ctx, runID)
}

func (s *Service) recordDecision(ctx context.Context, orgID, runID uuid.UUID, action string, actorID uuid.UUID, details map[string]any) {
	if s.Recorder == nil {
		return
	}
	if _, err := s.Recorder.AppendApproval(ctx, orgID, "calculation_run", runID, action, actorID, details); err != nil {
		s.Log.Error().Err(err).
			Str("run_id", runID.String()).
			Str("action", action).
			Msg("could not append decision to vault")
	}
}

func (s *Service) emit(ctx context.Context, topic string, runID uuid.UUID, payload map[string]any) {
	if s.Bus == nil {
		return
	}
	if _, err := s.Bus.Emit(ctx, topic, runID, payload); err != nil {
		s.Log.Error().Err(err).Str("topic", topic).Msg("could not emit run event")
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return "0"
	}
	return d.String()
}
