package writeback

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/runs"
	"github.com/safeharborhq/compliance-core/internal/vault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeRunSource struct {
	run     runs.Run
	results []runs.EmployeeResult
}

func (f *fakeRunSource) GetRun(ctx context.Context, id uuid.UUID) (runs.Run, error) {
	if id != f.run.ID {
		return runs.Run{}, runs.ErrRunNotFound
	}
	return f.run, nil
}

func (f *fakeRunSource) ListResults(ctx context.Context, runID uuid.UUID, limit, offset int) ([]runs.EmployeeResult, error) {
	if offset >= len(f.results) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.results) {
		end = len(f.results)
	}
	return f.results[offset:end], nil
}

// fakePoster records posts and returns a configurable previous value; Post
// fails for employee IDs in failFor.
type fakePoster struct {
	previous decimal.Decimal
	failFor  map[uuid.UUID]bool
	posted   []Record
	restored []Record
}

func (f *fakePoster) Post(ctx context.Context, record Record) (decimal.Decimal, error) {
	if f.failFor[record.EmployeeID] {
		return decimal.Zero, errors.New("payroll api returned 502")
	}
	f.posted = append(f.posted, record)
	return f.previous, nil
}

func (f *fakePoster) Restore(ctx context.Context, record Record) error {
	if f.failFor[record.EmployeeID] {
		return errors.New("payroll api returned 502")
	}
	f.restored = append(f.restored, record)
	return nil
}

type captureLedger struct {
	entries []map[string]any
}

func (c *captureLedger) AppendWriteBack(ctx context.Context, orgID uuid.UUID, data map[string]any, actor vault.Actor) (vault.Entry, error) {
	c.entries = append(c.entries, data)
	return vault.Entry{}, nil
}

func finalizedRun(orgID uuid.UUID) runs.Run {
	return runs.Run{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Status:         runs.StatusFinalized,
	}
}

func resultFor(runID uuid.UUID, ot, tips, state string) runs.EmployeeResult {
	return runs.EmployeeResult{
		ID:                 uuid.New(),
		RunID:              runID,
		EmployeeID:         uuid.New(),
		Status:             runs.ResultCompleted,
		StateOvertimeHours: dec(state),
		OTCreditFinal:      dec(ot),
		TipCreditFinal:     dec(tips),
		CombinedCredit:     dec(ot).Add(dec(tips)),
	}
}

func newTestService(source *fakeRunSource, poster *fakePoster) (*Service, *memStore, *captureLedger) {
	store := newMemStore()
	ledger := &captureLedger{}
	svc := &Service{
		Store:    store,
		Runs:     source,
		Poster:   poster,
		Recorder: ledger,
		Log:      zerolog.Nop(),
	}
	return svc, store, ledger
}

func TestPrepareStagesNonZeroAmounts(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	withBoth := resultFor(run.ID, "120.50", "45.25", "0")
	otOnly := resultFor(run.ID, "80", "0", "0")
	stateWorker := resultFor(run.ID, "60", "20", "5")
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{withBoth, otOnly, stateWorker}}
	svc, _, _ := newTestService(source, &fakePoster{})

	staged, err := svc.Prepare(context.Background(), orgID, run.ID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// 2 + 1 + 3 records: TS only for the employee with state overtime hours.
	if len(staged) != 6 {
		t.Fatalf("staged %d records, want 6", len(staged))
	}
	counts := map[Code]int{}
	for _, record := range staged {
		if record.Status != StatusPending {
			t.Fatalf("record status = %s, want pending", record.Status)
		}
		counts[record.Code]++
	}
	if counts[CodeTT] != 3 || counts[CodeTP] != 2 || counts[CodeTS] != 1 {
		t.Fatalf("code counts = %v", counts)
	}

	if _, err := svc.Prepare(context.Background(), orgID, run.ID); !errors.Is(err, ErrAlreadyPrepared) {
		t.Fatalf("second prepare error = %v", err)
	}
}

func TestPrepareRequiresFinalizedRun(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	run.Status = runs.StatusApproved
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{resultFor(run.ID, "10", "0", "0")}}
	svc, _, _ := newTestService(source, &fakePoster{})

	if _, err := svc.Prepare(context.Background(), orgID, run.ID); !errors.Is(err, ErrRunNotFinalized) {
		t.Fatalf("prepare error = %v", err)
	}
	if _, err := svc.Prepare(context.Background(), uuid.New(), run.ID); !errors.Is(err, runs.ErrRunNotFound) {
		t.Fatalf("cross-org prepare error = %v", err)
	}
}

func TestPrepareSkipsErroredResults(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	good := resultFor(run.ID, "50", "0", "0")
	bad := resultFor(run.ID, "70", "0", "0")
	bad.Status = runs.ResultError
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{good, bad}}
	svc, _, _ := newTestService(source, &fakePoster{})

	staged, err := svc.Prepare(context.Background(), orgID, run.ID)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(staged) != 1 || staged[0].EmployeeID != good.EmployeeID {
		t.Fatalf("staged = %+v", staged)
	}
}

func TestApproveThenExecute(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{
		resultFor(run.ID, "100", "40", "0"),
		resultFor(run.ID, "75", "0", "0"),
	}}
	poster := &fakePoster{previous: dec("12.34")}
	svc, store, ledger := newTestService(source, poster)
	ctx := context.Background()
	actor := uuid.New()

	if _, err := svc.Prepare(ctx, orgID, run.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Approve(ctx, orgID, run.ID, uuid.Nil); !errors.Is(err, ErrActorRequired) {
		t.Fatalf("nil actor error = %v", err)
	}
	if _, err := svc.Execute(ctx, orgID, run.ID, actor); !errors.Is(err, ErrNothingToExecute) {
		t.Fatalf("execute before approval error = %v", err)
	}

	approved, err := svc.Approve(ctx, orgID, run.ID, actor)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	for _, record := range approved {
		if record.Status != StatusApproved {
			t.Fatalf("record status = %s, want approved", record.Status)
		}
		if record.ApprovedBy == nil || *record.ApprovedBy != actor {
			t.Fatal("approver not recorded")
		}
	}

	report, err := svc.Execute(ctx, orgID, run.ID, actor)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Executed != 3 || report.Failed != 0 || !report.Completed {
		t.Fatalf("report = %+v", report)
	}
	if len(poster.posted) != 3 {
		t.Fatalf("posted %d records", len(poster.posted))
	}

	records, err := store.ListByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, record := range records {
		if record.Status != StatusCompleted {
			t.Fatalf("record status = %s, want completed", record.Status)
		}
		if record.PreviousAmount == nil || !record.PreviousAmount.Equal(dec("12.34")) {
			t.Fatalf("previous amount = %v", record.PreviousAmount)
		}
	}
	if len(ledger.entries) != 1 || ledger.entries[0]["action"] != "write_back_executed" {
		t.Fatalf("ledger entries = %v", ledger.entries)
	}
}

func TestExecuteRecordsPartialFailures(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	healthy := resultFor(run.ID, "100", "0", "0")
	broken := resultFor(run.ID, "75", "0", "0")
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{healthy, broken}}
	poster := &fakePoster{failFor: map[uuid.UUID]bool{broken.EmployeeID: true}}
	svc, store, _ := newTestService(source, poster)
	ctx := context.Background()
	actor := uuid.New()

	if _, err := svc.Prepare(ctx, orgID, run.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Approve(ctx, orgID, run.ID, actor); err != nil {
		t.Fatalf("approve: %v", err)
	}
	report, err := svc.Execute(ctx, orgID, run.ID, actor)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if report.Executed != 1 || report.Failed != 1 || report.Completed {
		t.Fatalf("report = %+v", report)
	}

	records, _ := store.ListByRun(ctx, run.ID)
	statuses := map[uuid.UUID]Status{}
	for _, record := range records {
		statuses[record.EmployeeID] = record.Status
	}
	if statuses[healthy.EmployeeID] != StatusCompleted {
		t.Fatalf("healthy status = %s", statuses[healthy.EmployeeID])
	}
	if statuses[broken.EmployeeID] != StatusFailed {
		t.Fatalf("broken status = %s", statuses[broken.EmployeeID])
	}
}

func TestRollbackRestoresPreviousValues(t *testing.T) {
	orgID := uuid.New()
	run := finalizedRun(orgID)
	source := &fakeRunSource{run: run, results: []runs.EmployeeResult{resultFor(run.ID, "100", "40", "0")}}
	poster := &fakePoster{previous: dec("5")}
	svc, store, ledger := newTestService(source, poster)
	ctx := context.Background()
	actor := uuid.New()

	if _, err := svc.Rollback(ctx, orgID, run.ID, actor, "wrong period"); !errors.Is(err, ErrNothingToRollBack) {
		t.Fatalf("rollback before execute error = %v", err)
	}

	if _, err := svc.Prepare(ctx, orgID, run.ID); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.Approve(ctx, orgID, run.ID, actor); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Execute(ctx, orgID, run.ID, actor); err != nil {
		t.Fatalf("execute: %v", err)
	}

	report, err := svc.Rollback(ctx, orgID, run.ID, actor, "wrong period")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if report.Executed != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(poster.restored) != 2 {
		t.Fatalf("restored %d records", len(poster.restored))
	}
	for _, record := range poster.restored {
		if record.PreviousAmount == nil || !record.PreviousAmount.Equal(dec("5")) {
			t.Fatalf("restore saw previous = %v", record.PreviousAmount)
		}
	}

	records, _ := store.ListByRun(ctx, run.ID)
	for _, record := range records {
		if record.Status != StatusRolledBack {
			t.Fatalf("record status = %s, want rolled_back", record.Status)
		}
	}
	if len(ledger.entries) != 2 || ledger.entries[1]["action"] != "write_back_rolled_back" {
		t.Fatalf("ledger entries = %v", ledger.entries)
	}
}
