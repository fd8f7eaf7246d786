// Package metrics defines the counters and timers recorded by the
// ledger and the webhook processor.  Recording is best-effort: a failure
// inside the sink is swallowed so observability problems can never break
// payment processing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives operational measurements.  Implementations must never
// panic out of or return errors from these methods.
type Sink interface {
	LedgerOp(op, outcome string, elapsed time.Duration)
	WebhookEvent(eventType, outcome string)
	ReconcileMismatch()
	PublishFailure(queue string)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) LedgerOp(op, outcome string, elapsed time.Duration) {}
func (Nop) WebhookEvent(eventType, outcome string)             {}
func (Nop) ReconcileMismatch()                                 {}
func (Nop) PublishFailure(queue string)                        {}

// Prometheus records measurements into prometheus collectors.  Every
// method recovers locally, so a collector error surfaces as a missing
// sample rather than a failed ledger operation.
type Prometheus struct {
	ledgerOps     *prometheus.CounterVec
	ledgerSeconds *prometheus.HistogramVec
	webhookEvents *prometheus.CounterVec
	mismatches    prometheus.Counter
	publishFails  *prometheus.CounterVec
}

// NewPrometheus builds the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		ledgerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_seconds",
			Help:    "Ledger operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events by provider event type and outcome.",
		}, []string{"type", "outcome"}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_reconcile_mismatches_total",
			Help: "Balances that disagreed with the journal during reconciliation.",
		}),
		publishFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_event_publish_failures_total",
			Help: "Failed event publishes by queue.",
		}, []string{"queue"}),
	}
	reg.MustRegister(p.ledgerOps, p.ledgerSeconds, p.webhookEvents, p.mismatches, p.publishFails)
	return p
}

func (p *Prometheus) LedgerOp(op, outcome string, elapsed time.Duration) {
	defer func() { _ = recover() }()
	p.ledgerOps.WithLabelValues(op, outcome).Inc()
	p.ledgerSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (p *Prometheus) WebhookEvent(eventType, outcome string) {
	defer func() { _ = recover() }()
	p.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (p *Prometheus) ReconcileMismatch() {
	defer func() { _ = recover() }()
	p.mismatches.Inc()
}

func (p *Prometheus) PublishFailure(queue string) {
	defer func() { _ = recover() }()
	p.publishFails.WithLabelValues(queue).Inc()
}
