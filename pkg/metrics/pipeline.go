package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

// DeliveryMetrics counts handled deliveries per subscription, kind and outcome.
type DeliveryMetrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ messaging.DeliveryRecorder = (*DeliveryMetrics)(nil)

// NewDeliveryMetrics registers the consumer metrics on the provided registerer.
func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_handled_total",
		Help: "Deliveries handled by consumers, by outcome.",
	}, []string{"subscription", "kind", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "message_handle_duration_seconds",
		Help:    "Time spent handling a delivery.",
		Buckets: prometheus.DefBuckets,
	}, []string{"subscription", "kind"})
	reg.MustRegister(handled, duration)
	return &DeliveryMetrics{handled: handled, duration: duration}
}

// ObserveDelivery implements messaging.DeliveryRecorder.
func (d *DeliveryMetrics) ObserveDelivery(subscription string, kind enums.MessageKind, outcome messaging.Outcome, duration time.Duration) {
	if d == nil || d.handled == nil {
		return
	}
	k := normalizeLabel(kind.String())
	d.handled.WithLabelValues(normalizeLabel(subscription), k, outcome.String()).Inc()
	d.duration.WithLabelValues(normalizeLabel(subscription), k).Observe(duration.Seconds())
}

// RelayMetrics tracks outbox publication.
type RelayMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	dead      *prometheus.CounterVec
	backlog   *prometheus.GaugeVec
}

// NewRelayMetrics registers the relay metrics on the provided registerer.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox records confirmed by the broker.",
	}, []string{"kind"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Failed publish attempts that will be retried.",
	}, []string{"kind"})
	dead := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dead_total",
		Help: "Outbox records moved to the dead-letter table.",
	}, []string{"kind", "reason"})
	backlog := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_records",
		Help: "Outbox records by status.",
	}, []string{"status"})
	reg.MustRegister(published, failed, dead, backlog)
	return &RelayMetrics{published: published, failed: failed, dead: dead, backlog: backlog}
}

func (r *RelayMetrics) IncPublished(kind enums.MessageKind) {
	if r == nil || r.published == nil {
		return
	}
	r.published.WithLabelValues(normalizeLabel(kind.String())).Inc()
}

func (r *RelayMetrics) IncFailed(kind enums.MessageKind) {
	if r == nil || r.failed == nil {
		return
	}
	r.failed.WithLabelValues(normalizeLabel(kind.String())).Inc()
}

func (r *RelayMetrics) IncDead(kind enums.MessageKind, reason enums.OutboxDLQErrorReason) {
	if r == nil || r.dead == nil {
		return
	}
	r.dead.WithLabelValues(normalizeLabel(kind.String()), normalizeLabel(string(reason))).Inc()
}

// SetBacklog replaces the per-status gauge values.
func (r *RelayMetrics) SetBacklog(counts map[enums.OutboxStatus]int64) {
	if r == nil || r.backlog == nil {
		return
	}
	for _, status := range []enums.OutboxStatus{enums.OutboxStatusPending, enums.OutboxStatusSent, enums.OutboxStatusDead} {
		r.backlog.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
