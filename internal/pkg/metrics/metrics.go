package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the ledger and billing flows.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TransactionsTotal       *prometheus.CounterVec
	TokensTotal             *prometheus.CounterVec
	InsufficientTokensTotal prometheus.Counter
	SettlementsTotal        *prometheus.CounterVec

	WebhookEventsTotal    *prometheus.CounterVec
	ProcessorCallsTotal   *prometheus.CounterVec
	ProcessorCallDuration *prometheus.HistogramVec

	JobsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_ledger_transactions_total",
				Help: "Total number of committed ledger transactions",
			},
			[]string{"kind", "action"},
		),
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_ledger_tokens_total",
				Help: "Total number of tokens credited or debited",
			},
			[]string{"kind"},
		),
		InsufficientTokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenfox_ledger_insufficient_tokens_total",
				Help: "Total number of debits rejected for insufficient balance",
			},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_ledger_settlements_total",
				Help: "Total number of cost estimate settlements by outcome",
			},
			[]string{"outcome"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_billing_webhook_events_total",
				Help: "Total number of billing webhook deliveries by outcome",
			},
			[]string{"type", "outcome"},
		),
		ProcessorCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_billing_processor_calls_total",
				Help: "Total number of payment processor calls",
			},
			[]string{"operation", "status"},
		),
		ProcessorCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenfox_billing_processor_call_duration_seconds",
				Help:    "Payment processor call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
			},
			[]string{"operation"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenfox_jobs_total",
				Help: "Total number of background jobs by outcome",
			},
			[]string{"type", "outcome"},
		),
	}

	registry.MustRegister(
		m.TransactionsTotal,
		m.TokensTotal,
		m.InsufficientTokensTotal,
		m.SettlementsTotal,
		m.WebhookEventsTotal,
		m.ProcessorCallsTotal,
		m.ProcessorCallDuration,
		m.JobsTotal,
	)

	return m
}

// RecordTransaction records a committed ledger entry.
func (m *Metrics) RecordTransaction(kind, action string, amount int64) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(kind, action).Inc()
	m.TokensTotal.WithLabelValues(kind).Add(float64(amount))
}

func (m *Metrics) RecordInsufficientTokens() {
	if m == nil {
		return
	}
	m.InsufficientTokensTotal.Inc()
}

// RecordSettlement records a settle outcome: completed, partial or rejected.
func (m *Metrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookEvent records a webhook delivery outcome such as processed,
// duplicate, ignored, failed or invalid_signature.
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordProcessorCall records one payment processor round trip.
func (m *Metrics) RecordProcessorCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProcessorCallsTotal.WithLabelValues(operation, status).Inc()
	m.ProcessorCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordJob(jobType, outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
