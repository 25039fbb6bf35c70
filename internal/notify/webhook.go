package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/obs"
	"github.com/safeharborhq/compliance-core/internal/queue"
	"github.com/safeharborhq/compliance-core/internal/resilience"
)

// Dispatcher coordinates webhook scheduling and delivery.
type Dispatcher struct {
	Store              Store
	Events             events.EventStore
	HTTP               *resilience.HTTPClient
	Queue              queue.Enqueuer
	BackoffBaseSec     int
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayProtector
	ReplayTTL          time.Duration
}

// Schedule enqueues deliveries for active endpoints subscribed to the topic.
// It implements events.DeliveryScheduler.
func (d *Dispatcher) Schedule(ctx context.Context, event events.Event) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if strings.TrimSpace(event.Topic) == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.Topic)
	if err != nil {
		return err
	}
	var joined error
	for _, endpoint := range endpoints {
		maxAttempt := d.DefaultMaxAttempts
		if maxAttempt <= 0 {
			maxAttempt = 6
		}
		delivery, err := d.Store.EnqueueDelivery(ctx, endpoint.ID, event.ID, maxAttempt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery for %s: %w", endpoint.ID, err))
			continue
		}
		_ = d.EnqueueDelivery(ctx, delivery.ID.String(), 0, maxAttempt)
	}
	return joined
}

// WorkOnce dequeues eligible deliveries and attempts delivery.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 1
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.WorkOnce")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", batch))

	deliveries, err := d.Store.DequeueDueDeliveries(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, delivery := range deliveries {
		if err := d.process(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}

// DeliverByID attempts delivery for one specific record, used by the queue
// worker path.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID string) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(deliveryID))
	if err != nil {
		return fmt.Errorf("invalid delivery id: %w", err)
	}
	delivery, err := d.Store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if delivery.Status == DeliveryDelivered || delivery.Status == DeliveryDLQ {
		return nil
	}
	return d.process(ctx, delivery)
}

func (d *Dispatcher) process(ctx context.Context, delivery Delivery) error {
	if obs.WebhookDispatchAttempts != nil {
		obs.WebhookDispatchAttempts.Inc()
	}
	attemptStart := time.Now()
	if err := d.Store.MarkDelivering(ctx, delivery.ID); err != nil {
		return nil
	}
	endpoint, err := d.Store.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		return d.failDelivery(ctx, delivery, fmt.Errorf("load endpoint: %w", err))
	}
	event, err := d.loadEvent(ctx, delivery.EventID)
	if err != nil {
		return d.failDelivery(ctx, delivery, fmt.Errorf("load event: %w", err))
	}
	status, responseBody, deliverErr := d.deliver(ctx, endpoint, event, delivery)
	if deliverErr == nil && status >= 200 && status < 300 {
		if obs.WebhookDeliveriesTotal != nil {
			obs.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		}
		if obs.WebhookAttemptLatency != nil {
			obs.WebhookAttemptLatency.WithLabelValues("delivered").Observe(obs.DurationMillis(time.Since(attemptStart)))
		}
		return d.Store.MarkDelivered(ctx, delivery.ID, status, responseBody)
	}
	reason := fmt.Sprintf("status=%d err=%v", status, deliverErr)
	if delivery.Attempt+1 >= delivery.MaxAttempt {
		if obs.WebhookDeliveriesTotal != nil {
			obs.WebhookDeliveriesTotal.WithLabelValues("dlq").Inc()
		}
		if obs.WebhookAttemptLatency != nil {
			obs.WebhookAttemptLatency.WithLabelValues("dlq").Observe(obs.DurationMillis(time.Since(attemptStart)))
		}
		if obs.WebhookDispatchDLQ != nil {
			obs.WebhookDispatchDLQ.Inc()
		}
		return d.Store.MoveToDLQ(ctx, delivery.ID, reason)
	}
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	}
	if obs.WebhookAttemptLatency != nil {
		obs.WebhookAttemptLatency.WithLabelValues("failed").Observe(obs.DurationMillis(time.Since(attemptStart)))
	}
	return d.Store.MarkFailedWithBackoff(ctx, delivery.ID, d.nextDelay(delivery.Attempt), reason)
}

func (d *Dispatcher) loadEvent(ctx context.Context, id uuid.UUID) (events.Event, error) {
	if d.Events == nil {
		return events.Event{}, errors.New("event store not configured")
	}
	return d.Events.GetDomainEvent(ctx, id)
}

func (d *Dispatcher) nextDelay(attempt int) time.Duration {
	base := d.BackoffBaseSec
	if base <= 0 {
		base = 5
	}
	factor := 1 << attempt
	if factor < 1 {
		factor = 1
	}
	return time.Duration(base*factor) * time.Second
}

func (d *Dispatcher) failDelivery(ctx context.Context, delivery Delivery, err error) error {
	reason := err.Error()
	if delivery.Attempt+1 >= delivery.MaxAttempt {
		if obs.WebhookDeliveriesTotal != nil {
			obs.WebhookDeliveriesTotal.WithLabelValues("dlq").Inc()
		}
		if obs.WebhookDispatchDLQ != nil {
			obs.WebhookDispatchDLQ.Inc()
		}
		return d.Store.MoveToDLQ(ctx, delivery.ID, reason)
	}
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	}
	return d.Store.MarkFailedWithBackoff(ctx, delivery.ID, d.nextDelay(delivery.Attempt), reason)
}

func (d *Dispatcher) deliver(ctx context.Context, endpoint Endpoint, event events.Event, delivery Delivery) (int, string, error) {
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", endpoint.ID.String()),
		attribute.String("webhook.delivery_id", delivery.ID.String()),
		attribute.String("webhook.topic", event.Topic),
	)
	if err := validateURL(endpoint.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	payload := struct {
		EventID    string          `json:"eventId"`
		Topic      string          `json:"topic"`
		Data       json.RawMessage `json:"data"`
		OccurredAt time.Time       `json:"occurredAt"`
	}{
		EventID:    event.ID.String(),
		Topic:      event.Topic,
		Data:       event.Payload,
		OccurredAt: occurred,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	ts := time.Now().Unix()
	if d.Replay != nil && d.ReplayTTL > 0 {
		key := replayKey(endpoint.ID, event.ID)
		ok, err := d.Replay.Acquire(ctx, key, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, "", err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return http.StatusOK, "replay-suppressed", nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "compliance-core-webhooks/1.0")
	req.Header.Set("X-Event-ID", event.ID.String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", delivery.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(endpoint.Secret, ts, event.ID.String(), body))
	client := d.HTTP
	if client == nil {
		client = &resilience.HTTPClient{Client: http.DefaultClient, Timeout: 5 * time.Second, MaxAttempts: 1}
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	responseBody := new(bytes.Buffer)
	if _, err := responseBody.ReadFrom(resp.Body); err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, responseBody.String(), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// Deliver exposes the low-level delivery routine to allow manual replays and testing.
func (d *Dispatcher) Deliver(ctx context.Context, endpoint Endpoint, event events.Event, delivery Delivery) (int, string, error) {
	return d.deliver(ctx, endpoint, event, delivery)
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func replayKey(endpointID, eventID uuid.UUID) string {
	return fmt.Sprintf("wh:%s:%s", endpointID, eventID)
}
