package metrics

import (
	"time"

	"github.com/Dhoini/travel-entitlements/internal/domain"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Результаты обработки вебхука для метки result
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookRejected  = "rejected"
	WebhookInvalid   = "invalid"
	WebhookFailed    = "failed"
)

// EntitlementMetrics интерфейс для метрик доступа и платёжных событий
type EntitlementMetrics interface {
	ObserveDecision(feature string, decision domain.Decision)
	IncAuditFailure(feature string)
	IncWebhook(provider string, kind domain.EventKind, result string)
	IncVerificationFailure(provider string)
	ObserveWebhookDuration(provider string, d time.Duration)
	IncNotification(kind domain.NotificationKind, result string)
	AddExpiredSwept(n int)
}

type entitlementMetrics struct {
	log                  *logger.Logger
	decisions            *prometheus.CounterVec
	auditFailures        *prometheus.CounterVec
	webhooks             *prometheus.CounterVec
	verificationFailures *prometheus.CounterVec
	webhookDuration      *prometheus.HistogramVec
	notifications        *prometheus.CounterVec
	expiredSwept         prometheus.Counter
}

// NewEntitlementMetrics создает метрики доступа
func NewEntitlementMetrics(registry *prometheus.Registry, log *logger.Logger) EntitlementMetrics {
	factory := promauto.With(registry)

	return &entitlementMetrics{
		log: log,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_gate_decisions_total",
				Help: "The total number of access gate decisions",
			},
			[]string{"feature", "allowed", "source", "reason"},
		),
		auditFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_gate_audit_failures_total",
				Help: "The total number of decisions that could not be recorded",
			},
			[]string{"feature"},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhooks_total",
				Help: "The total number of billing webhook deliveries by outcome",
			},
			[]string{"provider", "kind", "result"},
		),
		verificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_verification_failures_total",
				Help: "The total number of webhook deliveries rejected by signature or token checks",
			},
			[]string{"provider"},
		),
		webhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_duration_seconds",
				Help:    "Webhook processing latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "The total number of notifications by kind and delivery result",
			},
			[]string{"kind", "result"},
		),
		expiredSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subscriptions_expired_swept_total",
				Help: "The total number of expired subscriptions seen by the sweeper",
			},
		),
	}
}

// ObserveDecision учитывает решение шлюза доступа
func (m *entitlementMetrics) ObserveDecision(feature string, d domain.Decision) {
	allowed := "false"
	if d.Allowed {
		allowed = "true"
	}
	m.decisions.WithLabelValues(feature, allowed, string(d.Source), string(d.Reason)).Inc()
}

func (m *entitlementMetrics) IncAuditFailure(feature string) {
	m.auditFailures.WithLabelValues(feature).Inc()
}

func (m *entitlementMetrics) IncWebhook(provider string, kind domain.EventKind, result string) {
	m.webhooks.WithLabelValues(provider, string(kind), result).Inc()
}

func (m *entitlementMetrics) IncVerificationFailure(provider string) {
	m.verificationFailures.WithLabelValues(provider).Inc()
}

func (m *entitlementMetrics) ObserveWebhookDuration(provider string, d time.Duration) {
	m.webhookDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *entitlementMetrics) IncNotification(kind domain.NotificationKind, result string) {
	m.notifications.WithLabelValues(string(kind), result).Inc()
}

func (m *entitlementMetrics) AddExpiredSwept(n int) {
	m.expiredSwept.Add(float64(n))
}
