package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/notify"
)

func TestEmailNotifierSendsForRecipientTopics(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	notifier := notify.EmailNotifier{Mail: outbox, Enabled: true, From: "alerts@example.com"}

	event := events.Event{
		ID:         uuid.New(),
		Topic:      events.TopicRunPendingApproval,
		Payload:    []byte(`{"approver_email":"cfo@example.com","run_id":"a1f0"}`),
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, notifier.Notify(context.Background(), event))
	require.Len(t, outbox.Outbox, 1)
	require.Equal(t, "cfo@example.com", outbox.Outbox[0].To)
	require.Equal(t, "Calculation run awaiting approval", outbox.Outbox[0].Subject)
	require.Contains(t, outbox.Outbox[0].HTML, "a1f0")
}

func TestEmailNotifierSkipsWithoutRecipient(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	notifier := notify.EmailNotifier{Mail: outbox, Enabled: true}

	event := events.Event{
		ID:         uuid.New(),
		Topic:      events.TopicRunFinalized,
		Payload:    []byte(`{"run_id":"a1f0"}`),
		OccurredAt: time.Now(),
	}
	require.NoError(t, notifier.Notify(context.Background(), event))
	require.Empty(t, outbox.Outbox)
}

func TestEmailNotifierHonorsTopicToggles(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	notifier := notify.EmailNotifier{
		Mail:         outbox,
		Enabled:      true,
		TopicToggles: map[string]bool{events.TopicChainBroken: false},
	}

	event := events.Event{
		ID:         uuid.New(),
		Topic:      events.TopicChainBroken,
		Payload:    []byte(`{"admin_email":"ops@example.com"}`),
		OccurredAt: time.Now(),
	}
	require.NoError(t, notifier.Notify(context.Background(), event))
	require.Empty(t, outbox.Outbox)

	notifier.TopicToggles[events.TopicChainBroken] = true
	require.NoError(t, notifier.Notify(context.Background(), event))
	require.Len(t, outbox.Outbox, 1)
}
