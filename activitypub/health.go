package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is a point-in-time view of the delivery engine.
type HealthReport struct {
	Status         HealthStatus  `json:"status"`
	PendingItems   int64         `json:"pending_items"`
	PendingBatches int64         `json:"pending_batches"`
	Requests       int64         `json:"requests"`
	Failures       int64         `json:"failures"`
	ErrorRate      float64       `json:"error_rate"`
	AvgLatency     time.Duration `json:"avg_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	Window         time.Duration `json:"window"`
	CheckedAt      time.Time     `json:"checked_at"`
	Reasons        []string      `json:"reasons,omitempty"`
}

// DeliveryMetrics are the Prometheus collectors of the delivery engine
type DeliveryMetrics struct {
	Requests        *prometheus.CounterVec
	RequestLatency  prometheus.Histogram
	QueueDepth      *prometheus.GaugeVec
	BatchesPlanned  prometheus.Counter
	BatchOutcomes   *prometheus.CounterVec
	ItemOutcomes    *prometheus.CounterVec
	InboundOutcomes *prometheus.CounterVec
	Health          prometheus.Gauge
}

func NewDeliveryMetrics(registry prometheus.Registerer) *DeliveryMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &DeliveryMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_delivery_requests_total",
			Help: "Outbound delivery requests by result",
		}, []string{"result"}),
		RequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_delivery_request_seconds",
			Help:    "Outbound delivery request latency",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Unfinished queue entries by kind",
		}, []string{"kind"}),
		BatchesPlanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "courier_batches_planned_total",
			Help: "Follower batches created by fan-out",
		}),
		BatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_batch_outcomes_total",
			Help: "Follower batch results by outcome",
		}, []string{"outcome"}),
		ItemOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_item_outcomes_total",
			Help: "Single-recipient item results by outcome",
		}, []string{"outcome"}),
		InboundOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_inbound_total",
			Help: "Inbound activities by outcome",
		}, []string{"outcome"}),
		Health: factory.NewGauge(prometheus.GaugeOpts{
			Name: "courier_health",
			Help: "2 healthy, 1 degraded, 0 unhealthy",
		}),
	}
}

// HealthMonitor aggregates queue depth and recent request outcomes.
type HealthMonitor struct {
	db      *db.DB
	conf    util.HealthConfig
	metrics *DeliveryMetrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewHealthMonitor(database *db.DB, conf util.HealthConfig, metrics *DeliveryMetrics, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewDeliveryMetrics(prometheus.NewRegistry())
	}
	return &HealthMonitor{
		db:      database,
		conf:    conf,
		metrics: metrics,
		logger:  logger.Named("health"),
		now:     time.Now,
	}
}

func (h *HealthMonitor) Metrics() *DeliveryMetrics {
	return h.metrics
}

// Observe feeds one outbound request into the Prometheus collectors.
func (h *HealthMonitor) Observe(m domain.RequestMetric) {
	result := "success"
	if !m.Success {
		result = "failure"
	}
	h.metrics.Requests.WithLabelValues(result).Inc()
	h.metrics.RequestLatency.Observe(m.Latency.Seconds())
}

// Record observes and persists a set of request metrics. A storage failure
// is logged only; the deliveries already happened.
func (h *HealthMonitor) Record(ctx context.Context, metrics []domain.RequestMetric) {
	for _, m := range metrics {
		h.Observe(m)
	}
	if err := h.db.InsertRequestMetrics(ctx, metrics); err != nil {
		h.logger.Warn("failed to store request metrics", zap.Int("count", len(metrics)), zap.Error(err))
	}
}

// Snapshot computes the current health from the queue and the request
// metrics inside the configured window.
func (h *HealthMonitor) Snapshot(ctx context.Context) (*HealthReport, error) {
	now := h.now()
	items, batches, err := h.db.QueueDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	stats, err := h.db.RequestStats(ctx, now.Add(-h.conf.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to read request stats: %w", err)
	}

	report := &HealthReport{
		Status:         StatusHealthy,
		PendingItems:   items,
		PendingBatches: batches,
		Requests:       stats.Total,
		Failures:       stats.Failures,
		ErrorRate:      stats.ErrorRate(),
		AvgLatency:     stats.AvgLatency,
		MaxLatency:     stats.MaxLatency,
		Window:         h.conf.Window,
		CheckedAt:      now,
	}

	depth := items + batches
	switch {
	case report.ErrorRate >= h.conf.UnhealthyErrorRate:
		report.Status = StatusUnhealthy
		report.Reasons = append(report.Reasons, fmt.Sprintf("error rate %.2f", report.ErrorRate))
	case report.ErrorRate >= h.conf.DegradedErrorRate:
		report.Status = StatusDegraded
		report.Reasons = append(report.Reasons, fmt.Sprintf("error rate %.2f", report.ErrorRate))
	}
	if h.conf.MaxQueueDepth > 0 && depth > int64(h.conf.MaxQueueDepth) {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Reasons = append(report.Reasons, fmt.Sprintf("queue depth %d", depth))
	}

	h.metrics.QueueDepth.WithLabelValues("items").Set(float64(items))
	h.metrics.QueueDepth.WithLabelValues("batches").Set(float64(batches))
	h.metrics.Health.Set(healthScore(report.Status))
	return report, nil
}

// Prune drops request metrics and finished queue rows older than the
// retention period.
func (h *HealthMonitor) Prune(ctx context.Context) error {
	cutoff := h.now().Add(-h.conf.MetricsRetention)
	metrics, err := h.db.PruneRequestMetrics(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune request metrics: %w", err)
	}
	rows, err := h.db.PurgeProcessed(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge processed deliveries: %w", err)
	}
	if metrics > 0 || rows > 0 {
		h.logger.Info("pruned history", zap.Int64("metrics", metrics), zap.Int64("deliveries", rows))
	}
	return nil
}

func healthScore(s HealthStatus) float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
