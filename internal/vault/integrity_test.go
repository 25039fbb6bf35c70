package vault

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestVerifyChainEmptyOrg(t *testing.T) {
	store := newMemStore()
	result, err := Checker{Store: store}.VerifyChain(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsValid || result.TotalEntries != 0 || result.EntriesChecked != 0 {
		t.Fatalf("result = %+v", result)
	}
	if result.FirstBrokenEntry != nil {
		t.Fatal("empty chain has no broken entry")
	}
	if result.Message != "No vault entries to verify" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainSingleEntry(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	entry := makeEntry(t, orgID, 1, map[string]any{"action": "genesis", "value": 42}, nil, time.Now().UTC())
	if err := store.Insert(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsValid || result.TotalEntries != 1 || result.EntriesChecked != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyChainMultipleValidEntries(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	insertChain(t, store, orgID, 3)

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsValid || result.EntriesChecked != 3 {
		t.Fatalf("result = %+v", result)
	}
	if result.Message != "All 3 entries verified successfully" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainBrokenSequence(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	base := time.Now().UTC()

	first := makeEntry(t, orgID, 1, map[string]any{"seq": 1}, nil, base.Add(time.Second))
	if err := store.Insert(context.Background(), first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Sequence 2 is missing; 3 still links hashes correctly.
	third := makeEntry(t, orgID, 3, map[string]any{"seq": 3}, &first.EntryHash, base.Add(3*time.Second))
	if err := store.Insert(context.Background(), third); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsValid {
		t.Fatal("gap not detected")
	}
	if result.FirstBrokenEntry == nil || *result.FirstBrokenEntry != 3 {
		t.Fatalf("first broken = %v", result.FirstBrokenEntry)
	}
	if result.Message != "Sequence gap: expected 2, got 3" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainBrokenHashLink(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	base := time.Now().UTC()

	first := makeEntry(t, orgID, 1, map[string]any{"seq": 1}, nil, base.Add(time.Second))
	if err := store.Insert(context.Background(), first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	wrong := HashContent([]byte("wrong"))
	second := makeEntry(t, orgID, 2, map[string]any{"seq": 2}, &wrong, base.Add(2*time.Second))
	if err := store.Insert(context.Background(), second); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsValid {
		t.Fatal("broken link not detected")
	}
	if result.FirstBrokenEntry == nil || *result.FirstBrokenEntry != 2 {
		t.Fatalf("first broken = %v", result.FirstBrokenEntry)
	}
	if !strings.Contains(result.Message, "Hash chain broken at entry #2") {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainTamperedContent(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	entry := makeEntry(t, orgID, 1, map[string]any{"action": "original", "amount": 100}, nil, time.Now().UTC())
	if err := store.Insert(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	store.tamper(orgID, 1, map[string]any{"action": "tampered", "amount": 999999})

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsValid {
		t.Fatal("tampering not detected")
	}
	if result.FirstBrokenEntry == nil || *result.FirstBrokenEntry != 1 {
		t.Fatalf("first broken = %v", result.FirstBrokenEntry)
	}
	if result.Message != "Content tampered at entry #1: content hash mismatch" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainGenesisPreviousHash(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	bogus := HashContent([]byte("not genesis"))
	entry := makeEntry(t, orgID, 1, map[string]any{"seq": 1}, nil, time.Now().UTC())
	entry.PreviousHash = &bogus
	if err := store.Insert(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := Checker{Store: store}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.IsValid {
		t.Fatal("unexpected genesis previous_hash not detected")
	}
	if result.Message != "Genesis entry has unexpected previous_hash" {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestVerifyChainBatching(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	insertChain(t, store, orgID, 5)

	result, err := Checker{Store: store, BatchSize: 2}.VerifyChain(context.Background(), orgID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.IsValid || result.EntriesChecked != 5 || result.TotalEntries != 5 {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyEntryValid(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	entries := insertChain(t, store, orgID, 2)

	check, err := Checker{Store: store}.VerifyEntry(context.Background(), entries[1].ID)
	if err != nil {
		t.Fatalf("verify entry: %v", err)
	}
	if !check.IsValid || check.Sequence != 2 {
		t.Fatalf("check = %+v", check)
	}
	if !strings.Contains(strings.ToLower(check.Message), "verified") {
		t.Fatalf("message = %q", check.Message)
	}
}

func TestVerifyEntryTampered(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	entries := insertChain(t, store, orgID, 1)
	store.tamper(orgID, 1, map[string]any{"action": "modified", "value": "hacked"})

	check, err := Checker{Store: store}.VerifyEntry(context.Background(), entries[0].ID)
	if err != nil {
		t.Fatalf("verify entry: %v", err)
	}
	if check.IsValid {
		t.Fatal("tampering not detected")
	}
	if !strings.Contains(strings.ToLower(check.Message), "mismatch") {
		t.Fatalf("message = %q", check.Message)
	}
}

func TestVerifyEntryBrokenLinkage(t *testing.T) {
	store := newMemStore()
	orgID := uuid.New()
	base := time.Now().UTC()

	first := makeEntry(t, orgID, 1, map[string]any{"seq": 1}, nil, base)
	if err := store.Insert(context.Background(), first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	wrong := HashContent([]byte("wrong"))
	second := makeEntry(t, orgID, 2, map[string]any{"seq": 2}, &wrong, base.Add(time.Second))
	if err := store.Insert(context.Background(), second); err != nil {
		t.Fatalf("insert: %v", err)
	}

	check, err := Checker{Store: store}.VerifyEntry(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("verify entry: %v", err)
	}
	if check.IsValid {
		t.Fatal("broken linkage not detected")
	}
	if !strings.Contains(strings.ToLower(check.Message), "linkage") {
		t.Fatalf("message = %q", check.Message)
	}
}
