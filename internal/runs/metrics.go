package runs

import "github.com/safeharborhq/compliance-core/internal/obs"

func countRunTransition(kind RunKind, status RunStatus) {
	if obs.RunsTotal != nil {
		obs.RunsTotal.WithLabelValues(string(kind), string(status)).Inc()
	}
}

func countEmployeeOutcome(result string) {
	if obs.EmployeeCalculationsTotal != nil {
		obs.EmployeeCalculationsTotal.WithLabelValues(result).Inc()
	}
}
