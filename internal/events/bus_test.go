package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/safeharborhq/compliance-core/internal/events"
)

type stubStore struct {
	lastTopic   string
	lastPayload []byte
	stored      events.Event
}

func (s *stubStore) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	s.lastTopic = topic
	s.lastPayload = payload
	s.stored = events.Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}
	return s.stored, nil
}

func (s *stubStore) GetDomainEvent(_ context.Context, id uuid.UUID) (events.Event, error) {
	return s.stored, nil
}

type captureScheduler struct {
	events []events.Event
}

func (c *captureScheduler) Schedule(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestEmitPersistsEvent(t *testing.T) {
	store := &stubStore{}
	scheduler := &captureScheduler{}
	notifier := &captureNotifier{}
	bus := events.Bus{
		Store:     store,
		Scheduler: scheduler,
		Notifiers: []events.Notifier{notifier},
	}

	runID := uuid.New()
	payload := map[string]any{"run_id": runID.String(), "status": "pending_approval"}
	ctx := context.Background()
	event, err := bus.Emit(ctx, events.TopicRunPendingApproval, runID, payload)
	require.NoError(t, err)
	require.Equal(t, events.TopicRunPendingApproval, store.lastTopic)
	require.Len(t, scheduler.events, 1)
	require.Len(t, notifier.events, 1)
	require.Equal(t, event.ID, scheduler.events[0].ID)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "pending_approval", decoded["status"])
}

func TestEmitRejectsMissingAggregate(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), events.TopicRunFailed, uuid.Nil, nil)
	require.Error(t, err)
}

func TestEmitRejectsInvalidJSON(t *testing.T) {
	bus := events.Bus{Store: &stubStore{}}
	_, err := bus.Emit(context.Background(), events.TopicRunFailed, uuid.New(), []byte("{not-json"))
	require.Error(t, err)
}
