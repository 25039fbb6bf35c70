package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/safeharborhq/compliance-core/internal/analytics"
)

type stubQuerier struct {
	trendCalls int
	topCalls   int
}

func (s *stubQuerier) CreditTrend(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]analytics.TrendPoint, error) {
	s.trendCalls++
	return []analytics.TrendPoint{{
		RunID:              uuid.New(),
		PeriodStart:        from,
		PeriodEnd:          from.AddDate(0, 0, 14),
		TaxYear:            from.Year(),
		EmployeesProcessed: 12,
		QualifiedOTPremium: decimal.RequireFromString("1250.75"),
		CombinedCredit:     decimal.RequireFromString("1800.25"),
	}}, nil
}

func (s *stubQuerier) TopCreditEmployees(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]analytics.EmployeeCredit, error) {
	s.topCalls++
	return []analytics.EmployeeCredit{{
		EmployeeID:     uuid.New(),
		Runs:           3,
		CombinedCredit: decimal.RequireFromString("950"),
	}}, nil
}

func newCachedService(t *testing.T) (*analytics.Service, *stubQuerier) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	querier := &stubQuerier{}
	return &analytics.Service{Q: querier, R: rdb, TTL: time.Minute, DefaultRange: 365}, querier
}

func TestCreditTrendCached(t *testing.T) {
	svc, querier := newCachedService(t)
	orgID := uuid.New()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.CreditTrend(context.Background(), orgID, from, to)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := svc.CreditTrend(context.Background(), orgID, from, to)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if querier.trendCalls != 1 {
		t.Fatalf("expected 1 DB call, got %d", querier.trendCalls)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("points = %d, %d", len(first), len(second))
	}
	if !second[0].QualifiedOTPremium.Equal(first[0].QualifiedOTPremium) {
		t.Fatalf("cached premium = %s, want %s", second[0].QualifiedOTPremium, first[0].QualifiedOTPremium)
	}
}

func TestCreditTrendCacheScopedByRange(t *testing.T) {
	svc, querier := newCachedService(t)
	orgID := uuid.New()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.CreditTrend(context.Background(), orgID, from, from.AddDate(0, 6, 0)); err != nil {
		t.Fatalf("first range: %v", err)
	}
	if _, err := svc.CreditTrend(context.Background(), orgID, from, from.AddDate(1, 0, 0)); err != nil {
		t.Fatalf("second range: %v", err)
	}
	if querier.trendCalls != 2 {
		t.Fatalf("expected 2 DB calls for distinct ranges, got %d", querier.trendCalls)
	}
}

func TestTopCreditEmployeesDefaultsAndCaches(t *testing.T) {
	svc, querier := newCachedService(t)
	orgID := uuid.New()

	if _, err := svc.TopCreditEmployees(context.Background(), orgID, -1, -5); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := svc.TopCreditEmployees(context.Background(), orgID, 0, 0); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if querier.topCalls != 1 {
		t.Fatalf("expected normalized limits to share a cache entry, got %d DB calls", querier.topCalls)
	}
}
