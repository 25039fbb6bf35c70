package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefaultVerifyBatchSize bounds how many entries one verification pass loads
// at a time.
const DefaultVerifyBatchSize = 1000

// IntegrityResult reports the outcome of a full chain verification.
type IntegrityResult struct {
	IsValid          bool   `json:"is_valid"`
	TotalEntries     int64  `json:"total_entries"`
	EntriesChecked   int64  `json:"entries_checked"`
	FirstBrokenEntry *int64 `json:"first_broken_entry"`
	Message          string `json:"message"`
}

// EntryCheck reports the outcome of a single-entry verification.
type EntryCheck struct {
	IsValid  bool   `json:"is_valid"`
	Sequence int64  `json:"entry_sequence,omitempty"`
	Message  string `json:"message"`
}

// Checker verifies hash chain integrity.
type Checker struct {
	Store     Store
	BatchSize int
}

// VerifyChain walks one organization's entries in ascending sequence order
// and checks, per entry: sequence continuity, content hash, and previous
// hash linkage. It stops at the first broken entry. Batching keeps memory
// bounded for organizations with long histories.
func (c Checker) VerifyChain(ctx context.Context, orgID uuid.UUID) (IntegrityResult, error) {
	if c.Store == nil {
		return IntegrityResult{}, ErrStoreUnavailable
	}
	batch := c.BatchSize
	if batch <= 0 {
		batch = DefaultVerifyBatchSize
	}

	total, err := c.Store.Count(ctx, orgID)
	if err != nil {
		return IntegrityResult{}, err
	}
	if total == 0 {
		return IntegrityResult{
			IsValid: true,
			Message: "No vault entries to verify",
		}, nil
	}

	var (
		checked      int64
		previousHash string
		previousSeq  int64
	)

	for checked < total {
		entries, err := c.Store.ListAscending(ctx, orgID, previousSeq, batch)
		if err != nil {
			return IntegrityResult{}, err
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			checked++

			if entry.Sequence != previousSeq+1 {
				return broken(total, checked, entry.Sequence,
					fmt.Sprintf("Sequence gap: expected %d, got %d", previousSeq+1, entry.Sequence)), nil
			}

			canonical, err := CanonicalContent(entry.Content)
			if err != nil {
				return IntegrityResult{}, err
			}
			if HashContent(canonical) != entry.ContentHash {
				return broken(total, checked, entry.Sequence,
					fmt.Sprintf("Content tampered at entry #%d: content hash mismatch", entry.Sequence)), nil
			}

			if entry.Sequence == 1 {
				if entry.PreviousHash != nil && *entry.PreviousHash != GenesisSentinel {
					return broken(total, checked, entry.Sequence,
						"Genesis entry has unexpected previous_hash"), nil
				}
			} else {
				got := "none"
				if entry.PreviousHash != nil {
					got = hashPrefix(*entry.PreviousHash)
				}
				if entry.PreviousHash == nil || *entry.PreviousHash != previousHash {
					return broken(total, checked, entry.Sequence,
						fmt.Sprintf("Hash chain broken at entry #%d: expected previous_hash=%s..., got=%s...",
							entry.Sequence, hashPrefix(previousHash), got)), nil
				}
			}

			previousHash = entry.EntryHash
			previousSeq = entry.Sequence
		}
	}

	return IntegrityResult{
		IsValid:        true,
		TotalEntries:   total,
		EntriesChecked: checked,
		Message:        fmt.Sprintf("All %d entries verified successfully", checked),
	}, nil
}

// VerifyEntry checks a single entry's content hash and its link to the
// preceding entry.
func (c Checker) VerifyEntry(ctx context.Context, entryID uuid.UUID) (EntryCheck, error) {
	if c.Store == nil {
		return EntryCheck{}, ErrStoreUnavailable
	}
	entry, err := c.Store.Get(ctx, entryID)
	if err != nil {
		return EntryCheck{}, err
	}

	canonical, err := CanonicalContent(entry.Content)
	if err != nil {
		return EntryCheck{}, err
	}
	if HashContent(canonical) != entry.ContentHash {
		return EntryCheck{
			Sequence: entry.Sequence,
			Message:  "Content hash mismatch - possible tampering",
		}, nil
	}

	if entry.Sequence > 1 && entry.PreviousHash != nil {
		prev, err := c.Store.GetBySequence(ctx, entry.OrganizationID, entry.Sequence-1)
		if err == nil && prev.EntryHash != *entry.PreviousHash {
			return EntryCheck{
				Sequence: entry.Sequence,
				Message:  "Previous hash linkage broken",
			}, nil
		}
	}

	return EntryCheck{
		IsValid:  true,
		Sequence: entry.Sequence,
		Message:  "Entry integrity verified",
	}, nil
}

func broken(total, checked, sequence int64, message string) IntegrityResult {
	return IntegrityResult{
		TotalEntries:     total,
		EntriesChecked:   checked,
		FirstBrokenEntry: &sequence,
		Message:          message,
	}
}
