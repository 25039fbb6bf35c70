package notify

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable indicates the webhook store is not configured.
var ErrStoreUnavailable = errors.New("notify: store unavailable")

// ErrNotFound indicates the requested endpoint or delivery does not exist.
var ErrNotFound = errors.New("notify: not found")

// Delivery statuses.
const (
	DeliveryPending    = "pending"
	DeliveryDelivering = "delivering"
	DeliveryDelivered  = "delivered"
	DeliveryFailed     = "failed"
	DeliveryDLQ        = "dlq"
)

// Endpoint is a registered webhook receiver subscribed to one or more topics.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	Topics    []string  `json:"topics"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Delivery is one attempt schedule for delivering an event to an endpoint.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	EndpointID     uuid.UUID  `json:"endpoint_id"`
	EventID        uuid.UUID  `json:"event_id"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempt     int        `json:"max_attempt"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LastError      *string    `json:"last_error"`
	ResponseStatus *int       `json:"response_status"`
	ResponseBody   *string    `json:"response_body"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DeliveryFilter narrows delivery listings.
type DeliveryFilter struct {
	EndpointID uuid.UUID
	EventID    uuid.UUID
	Status     string
	Limit      int
	Offset     int
}

// Store defines the persistence operations required for webhook management.
type Store interface {
	CreateEndpoint(ctx context.Context, endpoint Endpoint) (Endpoint, error)
	UpdateEndpoint(ctx context.Context, endpoint Endpoint) (Endpoint, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error)
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error)

	EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (Delivery, error)
	DequeueDueDeliveries(ctx context.Context, limit int) ([]Delivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	MarkDelivering(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error
	MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delay time.Duration, lastError string) error
	MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) error
	ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error)
	CountDeliveries(ctx context.Context, filter DeliveryFilter) (int64, error)
}

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const endpointColumns = `id, name, url, secret, active, topics, created_at, updated_at`

const deliveryColumns = `id, endpoint_id, event_id, status, attempt, max_attempt,
next_attempt_at, last_error, response_status, response_body, delivered_at, created_at, updated_at`

func (s *pgStore) CreateEndpoint(ctx context.Context, endpoint Endpoint) (Endpoint, error) {
	if s == nil || s.pool == nil {
		return Endpoint{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_endpoints (name, url, secret, active, topics)
VALUES ($1, $2, $3, $4, $5) RETURNING `+endpointColumns,
		endpoint.Name, endpoint.URL, endpoint.Secret, endpoint.Active, endpoint.Topics)
	return scanEndpoint(row)
}

func (s *pgStore) UpdateEndpoint(ctx context.Context, endpoint Endpoint) (Endpoint, error) {
	if s == nil || s.pool == nil {
		return Endpoint{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `UPDATE webhook_endpoints
SET name = $2, url = $3, secret = $4, active = $5, topics = $6, updated_at = now()
WHERE id = $1 RETURNING `+endpointColumns,
		endpoint.ID, endpoint.Name, endpoint.URL, endpoint.Secret, endpoint.Active, endpoint.Topics)
	return scanEndpoint(row)
}

func (s *pgStore) GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	if s == nil || s.pool == nil {
		return Endpoint{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

func (s *pgStore) ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (s *pgStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
WHERE active AND (topics = '{}' OR $1 = ANY(topics)) ORDER BY created_at`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (s *pgStore) EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (Delivery, error) {
	if s == nil || s.pool == nil {
		return Delivery{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO webhook_deliveries (endpoint_id, event_id, max_attempt)
VALUES ($1, $2, $3) RETURNING `+deliveryColumns, endpointID, eventID, maxAttempt)
	return scanDelivery(row)
}

func (s *pgStore) DequeueDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE status IN ('pending', 'failed') AND next_attempt_at <= now()
ORDER BY next_attempt_at LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []Delivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

func (s *pgStore) GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	if s == nil || s.pool == nil {
		return Delivery{}, ErrStoreUnavailable
	}
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *pgStore) MarkDelivering(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'delivering', attempt = attempt + 1, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'delivered', response_status = $2, response_body = $3, delivered_at = now(), updated_at = now()
WHERE id = $1`, id, responseStatus, responseBody)
	return err
}

func (s *pgStore) MarkFailedWithBackoff(ctx context.Context, id uuid.UUID, delay time.Duration, lastError string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'failed', last_error = $2, next_attempt_at = now() + $3 * interval '1 second', updated_at = now()
WHERE id = $1`, id, lastError, int(delay.Seconds()))
	return err
}

func (s *pgStore) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `UPDATE webhook_deliveries
SET status = 'dlq', last_error = $2, updated_at = now() WHERE id = $1`, id, reason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO webhook_dlq (delivery_id, reason) VALUES ($1, $2)
ON CONFLICT (delivery_id) DO UPDATE SET reason = EXCLUDED.reason`, id, reason); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *pgStore) ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (Delivery, error) {
	if s == nil || s.pool == nil {
		return Delivery{}, ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Delivery{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	row := tx.QueryRow(ctx, `UPDATE webhook_deliveries
SET status = 'pending', attempt = 0, last_error = NULL, next_attempt_at = now(), updated_at = now()
WHERE id = $1 RETURNING `+deliveryColumns, id)
	delivery, err := scanDelivery(row)
	if err != nil {
		return Delivery{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM webhook_dlq WHERE delivery_id = $1`, id); err != nil {
		return Delivery{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}

func (s *pgStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	query, args := deliveryQuery(`SELECT `+deliveryColumns+` FROM webhook_deliveries`, filter, true)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []Delivery
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	return deliveries, rows.Err()
}

func (s *pgStore) CountDeliveries(ctx context.Context, filter DeliveryFilter) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	query, args := deliveryQuery(`SELECT COUNT(*) FROM webhook_deliveries`, filter, false)
	var total int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&total)
	return total, err
}

func deliveryQuery(base string, filter DeliveryFilter, paged bool) (string, []any) {
	var clauses []string
	var args []any
	if filter.EndpointID != uuid.Nil {
		args = append(args, filter.EndpointID)
		clauses = append(clauses, "endpoint_id = $"+strconv.Itoa(len(args)))
	}
	if filter.EventID != uuid.Nil {
		args = append(args, filter.EventID)
		clauses = append(clauses, "event_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	query := base
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if paged {
		limit := filter.Limit
		if limit <= 0 {
			limit = 50
		}
		args = append(args, limit)
		query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}
	return query, args
}

func scanEndpoint(row pgx.Row) (Endpoint, error) {
	var endpoint Endpoint
	err := row.Scan(&endpoint.ID, &endpoint.Name, &endpoint.URL, &endpoint.Secret,
		&endpoint.Active, &endpoint.Topics, &endpoint.CreatedAt, &endpoint.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, ErrNotFound
		}
		return Endpoint{}, err
	}
	return endpoint, nil
}

func collectEndpoints(rows pgx.Rows) ([]Endpoint, error) {
	var endpoints []Endpoint
	for rows.Next() {
		endpoint, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, rows.Err()
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var delivery Delivery
	var lastError, responseBody sql.NullString
	var responseStatus sql.NullInt32
	var deliveredAt sql.NullTime
	err := row.Scan(&delivery.ID, &delivery.EndpointID, &delivery.EventID, &delivery.Status,
		&delivery.Attempt, &delivery.MaxAttempt, &delivery.NextAttemptAt,
		&lastError, &responseStatus, &responseBody, &deliveredAt,
		&delivery.CreatedAt, &delivery.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delivery{}, ErrNotFound
		}
		return Delivery{}, err
	}
	if lastError.Valid {
		delivery.LastError = &lastError.String
	}
	if responseStatus.Valid {
		status := int(responseStatus.Int32)
		delivery.ResponseStatus = &status
	}
	if responseBody.Valid {
		delivery.ResponseBody = &responseBody.String
	}
	if deliveredAt.Valid {
		delivery.DeliveredAt = &deliveredAt.Time
	}
	return delivery, nil
}
