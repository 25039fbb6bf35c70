// Package analytics serves credit-trend reporting over finalized calculation
// runs, with short-lived Redis caching in front of the aggregate queries.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/cache"
	"github.com/safeharborhq/compliance-core/internal/money"
)

// TrendPoint is one finalized run's credit totals on the trend line.
type TrendPoint struct {
	RunID               uuid.UUID       `json:"run_id"`
	PeriodStart         time.Time       `json:"period_start"`
	PeriodEnd           time.Time       `json:"period_end"`
	TaxYear             int             `json:"tax_year"`
	EmployeesProcessed  int             `json:"employees_processed"`
	EmployeesFlagged    int             `json:"employees_flagged"`
	QualifiedOTPremium  decimal.Decimal `json:"qualified_ot_premium"`
	QualifiedTips       decimal.Decimal `json:"qualified_tips"`
	CombinedCredit      decimal.Decimal `json:"combined_credit"`
	PhaseOutReduction   decimal.Decimal `json:"phase_out_reduction"`
}

// EmployeeCredit aggregates one employee's credits across finalized runs.
type EmployeeCredit struct {
	EmployeeID     uuid.UUID       `json:"employee_id"`
	Runs           int             `json:"runs"`
	OTCredit       decimal.Decimal `json:"ot_credit"`
	TipCredit      decimal.Decimal `json:"tip_credit"`
	CombinedCredit decimal.Decimal `json:"combined_credit"`
}

// Querier defines the database access required for analytics operations.
type Querier interface {
	CreditTrend(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]TrendPoint, error)
	TopCreditEmployees(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]EmployeeCredit, error)
}

// Service provides cached access to credit analytics.
type Service struct {
	Q            Querier
	R            *redis.Client
	TTL          time.Duration
	DefaultRange int
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func cacheKey(parts ...any) string {
	formatted := make([]string, 0, len(parts))
	for _, part := range parts {
		formatted = append(formatted, fmt.Sprint(part))
	}
	return strings.Join(formatted, ":")
}

// CreditTrend returns per-run credit totals between the provided bounds,
// inclusive of from and exclusive of to.
func (s *Service) CreditTrend(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]TrendPoint, error) {
	if s == nil || s.Q == nil {
		return nil, errors.New("analytics service not configured")
	}
	key := cache.KeyAnalytics(ctx, cacheKey("trend", orgID, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if points, ok := fromCache[[]TrendPoint](ctx, s, key); ok {
		return points, nil
	}
	points, err := s.Q.CreditTrend(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, points)
	return points, nil
}

// TopCreditEmployees returns employees ordered by combined credit across
// finalized runs.
func (s *Service) TopCreditEmployees(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]EmployeeCredit, error) {
	if s == nil || s.Q == nil {
		return nil, errors.New("analytics service not configured")
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	key := cache.KeyAnalytics(ctx, cacheKey("top", orgID, limit, offset))
	if rows, ok := fromCache[[]EmployeeCredit](ctx, s, key); ok {
		return rows, nil
	}
	rows, err := s.Q.TopCreditEmployees(ctx, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, rows)
	return rows, nil
}

func fromCache[T any](ctx context.Context, s *Service, key string) (T, bool) {
	var zero T
	if s.R == nil || s.TTL <= 0 {
		return zero, false
	}
	data, err := s.R.Get(ctx, key).Bytes()
	if err != nil {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false
	}
	return value, true
}

func (s *Service) store(ctx context.Context, key string, value any) {
	if s.R == nil || s.TTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.R.Set(ctx, key, data, s.TTL).Err()
}

// NewQuerier constructs a Querier backed by a pgx connection pool.
func NewQuerier(pool *pgxpool.Pool) Querier {
	return &pgQuerier{pool: pool}
}

type pgQuerier struct {
	pool *pgxpool.Pool
}

func (q *pgQuerier) CreditTrend(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]TrendPoint, error) {
	if q == nil || q.pool == nil {
		return nil, errors.New("analytics: pool not configured")
	}
	rows, err := q.pool.Query(ctx, `SELECT id, period_start, period_end, tax_year,
processed_employees, flagged_employees,
total_qualified_ot_premium::text, total_qualified_tips::text,
total_combined_credit::text, total_phase_out_reduction::text
FROM calculation_runs
WHERE organization_id = $1 AND status = 'finalized'
  AND period_end >= $2 AND period_end < $3
ORDER BY period_end`, orgID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var points []TrendPoint
	for rows.Next() {
		var point TrendPoint
		cols := make([]string, 4)
		if err := rows.Scan(&point.RunID, &point.PeriodStart, &point.PeriodEnd, &point.TaxYear,
			&point.EmployeesProcessed, &point.EmployeesFlagged,
			&cols[0], &cols[1], &cols[2], &cols[3]); err != nil {
			return nil, err
		}
		targets := []*decimal.Decimal{&point.QualifiedOTPremium, &point.QualifiedTips, &point.CombinedCredit, &point.PhaseOutReduction}
		for i, col := range cols {
			parsed, err := money.FromString(col)
			if err != nil {
				return nil, err
			}
			*targets[i] = parsed
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

func (q *pgQuerier) TopCreditEmployees(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]EmployeeCredit, error) {
	if q == nil || q.pool == nil {
		return nil, errors.New("analytics: pool not configured")
	}
	rows, err := q.pool.Query(ctx, `SELECT res.employee_id, COUNT(*),
COALESCE(SUM(res.ot_credit_final), 0)::text,
COALESCE(SUM(res.tip_credit_final), 0)::text,
COALESCE(SUM(res.combined_credit), 0)::text
FROM employee_calculation_results res
JOIN calculation_runs run ON run.id = res.run_id
WHERE run.organization_id = $1 AND run.status = 'finalized'
  AND res.status IN ('completed', 'flagged')
GROUP BY res.employee_id
ORDER BY SUM(res.combined_credit) DESC
LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEmployeeCredits(rows)
}

func collectEmployeeCredits(rows pgx.Rows) ([]EmployeeCredit, error) {
	var credits []EmployeeCredit
	for rows.Next() {
		var credit EmployeeCredit
		cols := make([]string, 3)
		if err := rows.Scan(&credit.EmployeeID, &credit.Runs, &cols[0], &cols[1], &cols[2]); err != nil {
			return nil, err
		}
		targets := []*decimal.Decimal{&credit.OTCredit, &credit.TipCredit, &credit.CombinedCredit}
		for i, col := range cols {
			parsed, err := money.FromString(col)
			if err != nil {
				return nil, err
			}
			*targets[i] = parsed
		}
		credits = append(credits, credit)
	}
	return credits, rows.Err()
}
