package events

// Topic constants for domain events emitted by the compliance core.
const (
	TopicRunStatusChanged    = "run.status_changed"
	TopicRunPendingApproval  = "run.pending_approval"
	TopicRunFinalized        = "run.finalized"
	TopicRunFailed           = "run.failed"
	TopicChainBroken         = "vault.chain_broken"
	TopicRetentionProcessed  = "vault.retention_processed"
	TopicWriteBackExecuted   = "writeback.executed"
	TopicWriteBackRolledBack = "writeback.rolled_back"
	TopicPhaseOutRisk        = "phaseout.risk"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicRunStatusChanged,
		TopicRunPendingApproval,
		TopicRunFinalized,
		TopicRunFailed,
		TopicChainBroken,
		TopicRetentionProcessed,
		TopicWriteBackExecuted,
		TopicWriteBackRolledBack,
		TopicPhaseOutRisk,
	}
}
