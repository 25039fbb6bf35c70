package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// RunsTotal counts calculation run state transitions by kind and resulting status.
	RunsTotal *prometheus.CounterVec
	// EmployeeCalculationsTotal counts per-employee calculation outcomes.
	EmployeeCalculationsTotal *prometheus.CounterVec
	// VaultAppendsTotal counts ledger appends by entry type and result.
	VaultAppendsTotal *prometheus.CounterVec
	// ChainVerificationsTotal counts chain verification outcomes.
	ChainVerificationsTotal *prometheus.CounterVec
	// WebhookDeliveriesTotal tracks webhook dispatch outcomes.
	WebhookDeliveriesTotal *prometheus.CounterVec
	// WebhookAttemptLatency records delivery attempt latency in milliseconds.
	WebhookAttemptLatency *prometheus.HistogramVec
	// WebhookDispatchAttempts counts dispatcher attempts regardless of outcome.
	WebhookDispatchAttempts prometheus.Counter
	// WebhookDispatchDLQ counts deliveries moved to dead-letter queue.
	WebhookDispatchDLQ prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculation_runs_total",
			Help:      "Count of calculation run transitions by kind and status.",
		}, []string{"kind", "status"})
		EmployeeCalculationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "employee_calculations_total",
			Help:      "Count of per-employee calculation outcomes.",
		}, []string{"result"})
		VaultAppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_appends_total",
			Help:      "Count of vault ledger appends by entry type and result.",
		}, []string{"entry_type", "result"})
		ChainVerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_verifications_total",
			Help:      "Count of hash chain verification outcomes.",
		}, []string{"result"})
		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Count of webhook delivery outcomes.",
		}, []string{"result"})
		WebhookAttemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_attempt_duration_ms",
			Help:      "Latency for webhook delivery attempts in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		WebhookDispatchAttempts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_attempts_total",
			Help:      "Total number of webhook dispatch attempts.",
		})
		WebhookDispatchDLQ = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_dispatch_dlq_total",
			Help:      "Number of webhook deliveries moved to the dead-letter queue.",
		})

		if v, ok := register(reg, RunsTotal).(*prometheus.CounterVec); ok {
			RunsTotal = v
		}
		if v, ok := register(reg, EmployeeCalculationsTotal).(*prometheus.CounterVec); ok {
			EmployeeCalculationsTotal = v
		}
		if v, ok := register(reg, VaultAppendsTotal).(*prometheus.CounterVec); ok {
			VaultAppendsTotal = v
		}
		if v, ok := register(reg, ChainVerificationsTotal).(*prometheus.CounterVec); ok {
			ChainVerificationsTotal = v
		}
		if v, ok := register(reg, WebhookDeliveriesTotal).(*prometheus.CounterVec); ok {
			WebhookDeliveriesTotal = v
		}
		if v, ok := register(reg, WebhookAttemptLatency).(*prometheus.HistogramVec); ok {
			WebhookAttemptLatency = v
		}
		if v, ok := register(reg, WebhookDispatchAttempts).(prometheus.Counter); ok {
			WebhookDispatchAttempts = v
		}
		if v, ok := register(reg, WebhookDispatchDLQ).(prometheus.Counter); ok {
			WebhookDispatchDLQ = v
		}
	})
}
