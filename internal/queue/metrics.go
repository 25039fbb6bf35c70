package queue

import "github.com/prometheus/client_golang/prometheus"

// Package-level collectors for the background task queue. Depth and DLQ
// size are refreshed lazily by the admin endpoints and the drainer.
var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of ready tasks per kind",
		},
		[]string{"kind"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Tasks processed, labeled ok, retry or dlq",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Tasks parked in the dead-letter queue per kind",
		},
		[]string{"kind"},
	)
)

// queueLabel normalizes a kind for use as a metric label.
func queueLabel(kind string) string {
	if sanitized := sanitizeKind(kind); sanitized != "" {
		return sanitized
	}
	return "unknown"
}

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
}
