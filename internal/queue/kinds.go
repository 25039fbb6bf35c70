package queue

// Task kinds processed by the compliance worker. Payloads are JSON documents
// owned by the handlers in cmd/worker.
const (
	KindRunSync           = "run-sync"
	KindRunCalculation    = "run-calculation"
	KindChainVerification = "chain-verification"
	KindVaultMaintenance  = "vault-maintenance"
	KindStaleRunCheck     = "stale-run-check"
	KindPhaseOutRiskSweep = "phaseout-risk-sweep"
)

// Kinds returns every task kind the worker consumes.
func Kinds() []string {
	return []string{
		KindRunSync,
		KindRunCalculation,
		KindChainVerification,
		KindVaultMaintenance,
		KindStaleRunCheck,
		KindPhaseOutRiskSweep,
	}
}
