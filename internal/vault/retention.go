package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrArchiverRequired indicates a destructive retention run was attempted
// without an archiver configured.
var ErrArchiverRequired = errors.New("vault: archiver required for deletion")

const archiveBatchSize = 500

// RetentionReport summarizes one retention-processing pass.
type RetentionReport struct {
	ExpiredCount int64  `json:"expired_count"`
	DeletedCount int64  `json:"deleted_count"`
	DryRun       bool   `json:"dry_run"`
	Message      string `json:"message"`
}

// Processor applies the retention policy: entries past their expiry are
// archived, then deleted. Nothing here runs implicitly; callers invoke
// ProcessExpired explicitly, and the default dry run mutates nothing.
type Processor struct {
	Store    Store
	Archiver Archiver
	Log      zerolog.Logger
}

// ProcessExpired scans for entries whose retention expiry has passed. In dry
// run mode it only reports how many are eligible. Otherwise it archives every
// expired entry and deletes them afterwards, so a failed archive leaves the
// vault untouched.
func (p Processor) ProcessExpired(ctx context.Context, dryRun bool) (RetentionReport, error) {
	if p.Store == nil {
		return RetentionReport{}, ErrStoreUnavailable
	}

	now := time.Now().UTC()
	expired, err := p.Store.CountExpired(ctx, now)
	if err != nil {
		return RetentionReport{}, err
	}
	if expired == 0 {
		return RetentionReport{
			DryRun:  dryRun,
			Message: "No expired entries found",
		}, nil
	}
	if dryRun {
		return RetentionReport{
			ExpiredCount: expired,
			DryRun:       true,
			Message:      fmt.Sprintf("%d entries eligible for deletion (dry run)", expired),
		}, nil
	}
	if p.Archiver == nil {
		return RetentionReport{}, ErrArchiverRequired
	}

	offset := 0
	for {
		batch, err := p.Store.ListExpired(ctx, now, archiveBatchSize, offset)
		if err != nil {
			return RetentionReport{}, err
		}
		if len(batch) == 0 {
			break
		}
		if err := p.Archiver.Archive(ctx, batch); err != nil {
			return RetentionReport{}, fmt.Errorf("vault: archive expired entries: %w", err)
		}
		offset += len(batch)
	}

	deleted, err := p.Store.DeleteExpired(ctx, now)
	if err != nil {
		return RetentionReport{}, err
	}

	p.Log.Info().Int64("deleted", deleted).Msg("expired vault entries removed")
	return RetentionReport{
		ExpiredCount: expired,
		DeletedCount: deleted,
		Message:      fmt.Sprintf("Deleted %d expired entries", deleted),
	}, nil
}

// Summary reports retention status counts for one organization, or across
// all organizations when orgID is the zero UUID.
func (p Processor) Summary(ctx context.Context, orgID uuid.UUID) (RetentionSummary, error) {
	if p.Store == nil {
		return RetentionSummary{}, ErrStoreUnavailable
	}
	return p.Store.Summary(ctx, orgID)
}
