package runs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/events"
)

const sweepPageSize = 500

// Sweeper runs the periodic background checks that keep the run table
// honest: failing runs whose workers died mid-flight, and surfacing
// organizations whose latest finalized run carries phase-out exposure.
type Sweeper struct {
	Store Store
	Bus   *events.Bus
	Log   zerolog.Logger

	// StaleAge is how long a run may sit in syncing or calculating without
	// progress before it is declared dead.
	StaleAge time.Duration
	// RiskThreshold is the phase-out percentage at or above which an
	// employee counts toward the organization's risk total.
	RiskThreshold decimal.Decimal
}

// FailStuckRuns transitions runs stuck in a processing state past StaleAge
// to error so they stop blocking new runs for the same period.
func (s *Sweeper) FailStuckRuns(ctx context.Context) (int, error) {
	if s == nil || s.Store == nil {
		return 0, ErrStoreUnavailable
	}
	age := s.StaleAge
	if age <= 0 {
		age = time.Hour
	}
	stuck, err := s.Store.ListStuck(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, run := range stuck {
		if err := s.Store.MarkError(ctx, run.ID, "run stalled: no worker progress"); err != nil {
			// Another sweeper or the worker itself may have moved it.
			s.Log.Debug().Err(err).Str("run_id", run.ID.String()).Msg("stale run already transitioned")
			continue
		}
		failed++
		countRunTransition(run.Kind, StatusError)
		s.emit(ctx, events.TopicRunFailed, run, map[string]any{
			"run_id": run.ID.String(),
			"error":  "run stalled: no worker progress",
		})
		s.Log.Warn().
			Str("run_id", run.ID.String()).
			Str("organization_id", run.OrganizationID.String()).
			Time("updated_at", run.UpdatedAt).
			Msg("stale run failed by sweeper")
	}
	return failed, nil
}

// SweepPhaseOutRisk inspects each organization's latest finalized run and
// emits a phaseout.risk event when employees sit at or above the
// configured phase-out percentage. The payload carries enough for a
// notification without a second query.
func (s *Sweeper) SweepPhaseOutRisk(ctx context.Context) (int, error) {
	if s == nil || s.Store == nil {
		return 0, ErrStoreUnavailable
	}
	orgs, err := s.Store.Organizations(ctx)
	if err != nil {
		return 0, err
	}
	flaggedOrgs := 0
	for _, orgID := range orgs {
		run, err := s.Store.LatestFinalized(ctx, orgID)
		if err != nil {
			if err == ErrRunNotFound {
				continue
			}
			return flaggedOrgs, err
		}
		atRisk, total, err := s.countAtRisk(ctx, run)
		if err != nil {
			return flaggedOrgs, err
		}
		if atRisk == 0 {
			continue
		}
		flaggedOrgs++
		s.emit(ctx, events.TopicPhaseOutRisk, run, map[string]any{
			"organization_id":    orgID.String(),
			"run_id":             run.ID.String(),
			"tax_year":           run.TaxYear,
			"at_risk_employees":  atRisk,
			"total_employees":    total,
			"risk_threshold_pct": s.RiskThreshold.String(),
		})
		s.Log.Info().
			Str("organization_id", orgID.String()).
			Str("run_id", run.ID.String()).
			Int("at_risk_employees", atRisk).
			Msg("phase-out risk detected")
	}
	return flaggedOrgs, nil
}

func (s *Sweeper) countAtRisk(ctx context.Context, run Run) (atRisk, total int, err error) {
	for offset := 0; ; offset += sweepPageSize {
		results, err := s.Store.ListResults(ctx, run.ID, sweepPageSize, offset)
		if err != nil {
			return 0, 0, err
		}
		if len(results) == 0 {
			return atRisk, total, nil
		}
		for _, result := range results {
			if result.Status != ResultCompleted && result.Status != ResultFlagged {
				continue
			}
			total++
			if result.PhaseOutPercentage.GreaterThanOrEqual(s.RiskThreshold) {
				atRisk++
			}
		}
		if len(results) < sweepPageSize {
			return atRisk, total, nil
		}
	}
}

func (s *Sweeper) emit(ctx context.Context, topic string, run Run, payload map[string]any) {
	if s.Bus == nil {
		return
	}
	if _, err := s.Bus.Emit(ctx, topic, run.ID, payload); err != nil {
		s.Log.Error().Err(err).Str("topic", topic).Msg("could not emit sweep event")
	}
}
