package runs

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{StatusPending, StatusSyncing, true},
		{StatusPending, StatusCalculating, false},
		{StatusSyncing, StatusCalculating, true},
		{StatusCalculating, StatusPendingApproval, true},
		{StatusCalculating, StatusApproved, false},
		{StatusPendingApproval, StatusApproved, true},
		{StatusPendingApproval, StatusRejected, true},
		{StatusPendingApproval, StatusFinalized, false},
		{StatusApproved, StatusFinalized, true},
		{StatusRejected, StatusSyncing, true},
		{StatusRejected, StatusApproved, false},
		{StatusFinalized, StatusError, false},
		{StatusError, StatusSyncing, false},
		{StatusPending, StatusError, true},
		{StatusApproved, StatusError, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []RunStatus{StatusFinalized, StatusError} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []RunStatus{StatusPending, StatusSyncing, StatusCalculating, StatusPendingApproval, StatusApproved, StatusRejected} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestValidKind(t *testing.T) {
	for _, kind := range []RunKind{KindPeriodic, KindQuarterly, KindAnnual, KindAdHoc, KindRetroAudit} {
		if !ValidKind(kind) {
			t.Errorf("%s should be valid", kind)
		}
	}
	if ValidKind("monthly") {
		t.Error("unknown kind accepted")
	}
}

func TestProgress(t *testing.T) {
	run := Run{TotalEmployees: 10, ProcessedEmployees: 4, FailedEmployees: 1}
	if got := run.Progress(); got != 50 {
		t.Fatalf("progress = %v, want 50", got)
	}
	empty := Run{Status: StatusSyncing}
	if got := empty.Progress(); got != 0 {
		t.Fatalf("empty run progress = %v, want 0", got)
	}
	done := Run{Status: StatusFinalized}
	if got := done.Progress(); got != 100 {
		t.Fatalf("finalized empty run progress = %v, want 100", got)
	}
}
