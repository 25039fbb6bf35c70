package notify_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/notify"
	"github.com/safeharborhq/compliance-core/internal/resilience"
)

func TestSignatureAndHeaders(t *testing.T) {
	type recorded struct {
		req  *http.Request
		body []byte
	}
	received := make(chan recorded, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- recorded{req: r, body: body}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	dispatcher := &notify.Dispatcher{
		HTTP: &resilience.HTTPClient{
			Client:      srv.Client(),
			Breaker:     resilience.NewBreaker(1, 1, time.Second),
			MaxAttempts: 1,
			Timeout:     time.Second,
		},
		Enabled: true,
	}
	endpoint := notify.Endpoint{ID: uuid.New(), URL: srv.URL, Secret: "secret"}
	event := events.Event{
		ID:         uuid.New(),
		Topic:      "run.finalized",
		Payload:    []byte(`{"run_id":"r1"}`),
		OccurredAt: time.Now(),
	}
	delivery := notify.Delivery{ID: uuid.New()}

	status, _, err := dispatcher.Deliver(context.Background(), endpoint, event, delivery)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	record := <-received
	req := record.req
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, event.ID.String(), req.Header.Get("X-Event-ID"))
	require.Equal(t, delivery.ID.String(), req.Header.Get("X-Idempotency-Key"))
	timestamp := req.Header.Get("X-Timestamp")
	require.NotEmpty(t, timestamp)
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	require.NoError(t, err)
	require.Equal(t, notify.ComputeSignature(endpoint.Secret, ts, req.Header.Get("X-Event-ID"), record.body), req.Header.Get("X-Signature"))
}

// fakeStore is an in-memory notify.Store for dispatcher tests.
type fakeStore struct {
	endpoints  map[uuid.UUID]notify.Endpoint
	deliveries map[uuid.UUID]notify.Delivery
	due        []uuid.UUID
	enqueued   int
	dupFirst   bool
	failed     []time.Duration
	dlq        []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		endpoints:  make(map[uuid.UUID]notify.Endpoint),
		deliveries: make(map[uuid.UUID]notify.Delivery),
	}
}

func (f *fakeStore) CreateEndpoint(_ context.Context, endpoint notify.Endpoint) (notify.Endpoint, error) {
	endpoint.ID = uuid.New()
	f.endpoints[endpoint.ID] = endpoint
	return endpoint, nil
}

func (f *fakeStore) UpdateEndpoint(_ context.Context, endpoint notify.Endpoint) (notify.Endpoint, error) {
	if _, ok := f.endpoints[endpoint.ID]; !ok {
		return notify.Endpoint{}, notify.ErrNotFound
	}
	f.endpoints[endpoint.ID] = endpoint
	return endpoint, nil
}

func (f *fakeStore) GetEndpoint(_ context.Context, id uuid.UUID) (notify.Endpoint, error) {
	endpoint, ok := f.endpoints[id]
	if !ok {
		return notify.Endpoint{}, notify.ErrNotFound
	}
	return endpoint, nil
}

func (f *fakeStore) ListEndpoints(context.Context, int, int) ([]notify.Endpoint, error) {
	var endpoints []notify.Endpoint
	for _, endpoint := range f.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func (f *fakeStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	delete(f.endpoints, id)
	return nil
}

func (f *fakeStore) ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]notify.Endpoint, error) {
	return f.ListEndpoints(ctx, 0, 0)
}

func (f *fakeStore) EnqueueDelivery(_ context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (notify.Delivery, error) {
	f.enqueued++
	if f.dupFirst && f.enqueued == 1 {
		return notify.Delivery{}, &pgconn.PgError{Code: "23505"}
	}
	delivery := notify.Delivery{
		ID:         uuid.New(),
		EndpointID: endpointID,
		EventID:    eventID,
		Status:     notify.DeliveryPending,
		MaxAttempt: maxAttempt,
	}
	f.deliveries[delivery.ID] = delivery
	return delivery, nil
}

func (f *fakeStore) DequeueDueDeliveries(context.Context, int) ([]notify.Delivery, error) {
	var due []notify.Delivery
	for _, id := range f.due {
		due = append(due, f.deliveries[id])
	}
	f.due = nil
	return due, nil
}

func (f *fakeStore) GetDelivery(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	delivery, ok := f.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	return delivery, nil
}

func (f *fakeStore) MarkDelivering(_ context.Context, id uuid.UUID) error {
	delivery := f.deliveries[id]
	delivery.Status = notify.DeliveryDelivering
	delivery.Attempt++
	f.deliveries[id] = delivery
	return nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, id uuid.UUID, status int, body string) error {
	delivery := f.deliveries[id]
	delivery.Status = notify.DeliveryDelivered
	delivery.ResponseStatus = &status
	delivery.ResponseBody = &body
	f.deliveries[id] = delivery
	return nil
}

func (f *fakeStore) MarkFailedWithBackoff(_ context.Context, id uuid.UUID, delay time.Duration, lastError string) error {
	f.failed = append(f.failed, delay)
	delivery := f.deliveries[id]
	delivery.Status = notify.DeliveryFailed
	delivery.LastError = &lastError
	f.deliveries[id] = delivery
	f.due = append(f.due, id)
	return nil
}

func (f *fakeStore) MoveToDLQ(_ context.Context, id uuid.UUID, reason string) error {
	f.dlq = append(f.dlq, reason)
	delivery := f.deliveries[id]
	delivery.Status = notify.DeliveryDLQ
	f.deliveries[id] = delivery
	return nil
}

func (f *fakeStore) ResetDeliveryForReplay(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	delivery, ok := f.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	delivery.Status = notify.DeliveryPending
	delivery.Attempt = 0
	f.deliveries[id] = delivery
	return delivery, nil
}

func (f *fakeStore) ListDeliveries(context.Context, notify.DeliveryFilter) ([]notify.Delivery, error) {
	return nil, nil
}

func (f *fakeStore) CountDeliveries(context.Context, notify.DeliveryFilter) (int64, error) {
	return int64(len(f.deliveries)), nil
}

type fakeEventStore struct {
	event events.Event
}

func (f *fakeEventStore) InsertDomainEvent(context.Context, string, uuid.UUID, []byte) (events.Event, error) {
	return events.Event{}, errors.New("not implemented")
}

func (f *fakeEventStore) GetDomainEvent(context.Context, uuid.UUID) (events.Event, error) {
	return f.event, nil
}

func TestRetryAndDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore()
	endpoint, err := store.CreateEndpoint(context.Background(), notify.Endpoint{URL: srv.URL, Secret: "secret", Active: true})
	require.NoError(t, err)
	event := events.Event{ID: uuid.New(), Topic: "run.finalized", Payload: []byte(`{"run_id":"r1"}`), OccurredAt: time.Now()}
	delivery, err := store.EnqueueDelivery(context.Background(), endpoint.ID, event.ID, 2)
	require.NoError(t, err)
	store.due = append(store.due, delivery.ID)

	dispatcher := &notify.Dispatcher{
		Store:  store,
		Events: &fakeEventStore{event: event},
		HTTP: &resilience.HTTPClient{
			Client:      srv.Client(),
			Breaker:     resilience.NewBreaker(1, 1, time.Second),
			MaxAttempts: 1,
			Timeout:     time.Second,
		},
		BackoffBaseSec:     3,
		DefaultMaxAttempts: 2,
		Enabled:            true,
	}

	require.NoError(t, dispatcher.WorkOnce(context.Background(), 1))
	require.Len(t, store.failed, 1)
	require.Equal(t, 3*time.Second, store.failed[0])

	require.NoError(t, dispatcher.WorkOnce(context.Background(), 1))
	require.Len(t, store.dlq, 1)
	require.Equal(t, notify.DeliveryDLQ, store.deliveries[delivery.ID].Status)
}

func TestScheduleSkipsDuplicateDeliveries(t *testing.T) {
	store := newFakeStore()
	store.dupFirst = true
	_, err := store.CreateEndpoint(context.Background(), notify.Endpoint{URL: "https://a.example.com", Secret: "s", Active: true})
	require.NoError(t, err)
	_, err = store.CreateEndpoint(context.Background(), notify.Endpoint{URL: "https://b.example.com", Secret: "s", Active: true})
	require.NoError(t, err)

	dispatcher := &notify.Dispatcher{Store: store, Enabled: true}
	event := events.Event{ID: uuid.New(), Topic: "run.pending_approval"}

	require.NoError(t, dispatcher.Schedule(context.Background(), event))
	require.Equal(t, 2, store.enqueued)
	require.Len(t, store.deliveries, 1)
}

func TestDeliverByIDSkipsTerminalDeliveries(t *testing.T) {
	store := newFakeStore()
	endpoint, err := store.CreateEndpoint(context.Background(), notify.Endpoint{URL: "https://a.example.com", Secret: "s", Active: true})
	require.NoError(t, err)
	event := events.Event{ID: uuid.New(), Topic: "run.finalized"}
	delivery, err := store.EnqueueDelivery(context.Background(), endpoint.ID, event.ID, 2)
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(context.Background(), delivery.ID, http.StatusOK, "ok"))

	dispatcher := &notify.Dispatcher{Store: store, Events: &fakeEventStore{event: event}, Enabled: true}
	require.NoError(t, dispatcher.DeliverByID(context.Background(), delivery.ID.String()))
	require.Equal(t, notify.DeliveryDelivered, store.deliveries[delivery.ID].Status)
}
