package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/events"
)

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

// Notify implements the events.Notifier interface.
func (n EmailNotifier) Notify(_ context.Context, event events.Event) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	subject := subjectFor(event.Topic)
	body := bodyFor(event.Topic, payload, event.OccurredAt)
	return n.Mail.Send(to, subject, body)
}

func extractRecipient(payload map[string]any) string {
	keys := []string{"email", "recipient", "approver_email", "admin_email"}
	for _, key := range keys {
		if val, ok := payload[key]; ok {
			if s, ok := val.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicRunPendingApproval:
		return "Calculation run awaiting approval"
	case events.TopicRunFinalized:
		return "Calculation run finalized"
	case events.TopicRunFailed:
		return "Calculation run failed"
	case events.TopicChainBroken:
		return "Compliance vault integrity alert"
	case events.TopicRetentionProcessed:
		return "Vault retention processed"
	case events.TopicWriteBackExecuted:
		return "W-2 write-back executed"
	case events.TopicWriteBackRolledBack:
		return "W-2 write-back rolled back"
	default:
		return fmt.Sprintf("Compliance notification: %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if runID, ok := payload["run_id"].(string); ok && runID != "" {
		summary += fmt.Sprintf("\nRun ID: %s", runID)
	}
	if entryID, ok := payload["entry_id"].(string); ok && entryID != "" {
		summary += fmt.Sprintf("\nVault entry: %s", entryID)
	}
	if note, ok := payload["message"].(string); ok && note != "" {
		summary += "\n" + note
	}
	return summary
}
