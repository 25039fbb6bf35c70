// Package vault implements the append-only compliance ledger. Every
// significant event (a calculation completing, a classification being made,
// an approval, a write-back) becomes a hash-chained entry, so the full
// history for an organization can be proven intact years after the fact.
package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisSentinel is the previous-hash value folded into the first entry of
// an organization's chain. The stored previous_hash column stays NULL for
// that entry; the sentinel only participates in hashing.
const GenesisSentinel = "GENESIS"

// RetentionYears matches the IRS record-keeping requirement for credit
// substantiation.
const RetentionYears = 7

// RetentionPeriod is added to an entry's creation time to produce its
// retention expiry.
const RetentionPeriod = time.Duration(RetentionYears) * 365 * 24 * time.Hour

// EntryType categorizes what kind of event an entry records.
type EntryType string

const (
	TypeCalculation    EntryType = "calculation"
	TypeClassification EntryType = "classification"
	TypeApproval       EntryType = "approval"
	TypeWriteBack      EntryType = "write_back"
	TypeExport         EntryType = "export"
	TypeRetention      EntryType = "retention"
)

// ActorType identifies what kind of principal triggered an entry.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAPI    ActorType = "api"
)

// Actor identifies who or what appended an entry.
type Actor struct {
	ID   *uuid.UUID
	Type ActorType
}

// Entry is one append-only ledger record. Content holds the structured
// event snapshot; decimal amounts belong in it as strings so that
// re-serialization at verification time is byte identical.
type Entry struct {
	ID                 uuid.UUID      `json:"id"`
	OrganizationID     uuid.UUID      `json:"organization_id"`
	Type               EntryType      `json:"entry_type"`
	EntryHash          string         `json:"entry_hash"`
	PreviousHash       *string        `json:"previous_hash"`
	Sequence           int64          `json:"sequence_number"`
	Content            map[string]any `json:"content"`
	ContentHash        string         `json:"content_hash"`
	RetentionExpiresAt time.Time      `json:"retention_expires_at"`
	ActorID            *uuid.UUID     `json:"actor_id,omitempty"`
	ActorType          ActorType      `json:"actor_type"`
	CreatedAt          time.Time      `json:"created_at"`
}

// hashTimeLayout keeps microsecond precision. Creation times are truncated
// to microseconds before hashing so the timestamptz read back from Postgres
// reproduces the exact hash input.
const hashTimeLayout = "2006-01-02T15:04:05.000000"

// CanonicalContent serializes content deterministically: object keys sorted,
// no HTML escaping, no trailing newline. Appending and verification both go
// through this function so hashes stay reproducible.
func CanonicalContent(content map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(content); err != nil {
		return nil, fmt.Errorf("vault: canonicalize content: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashContent returns the SHA-256 hex digest of canonical content bytes.
func HashContent(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashEntry computes an entry hash from the previous entry's hash (or the
// genesis sentinel), the canonical content, and the creation time.
func HashEntry(previous string, canonical []byte, createdAt time.Time) string {
	input := previous + "|" + string(canonical) + "|" + createdAt.UTC().Format(hashTimeLayout)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// decodeContent parses stored JSONB bytes back into a map. UseNumber keeps
// numeric literals as written so re-canonicalization does not reformat them.
func decodeContent(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("vault: decode content: %w", err)
	}
	return m, nil
}

func hashPrefix(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}
