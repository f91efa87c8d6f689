package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Admission / Gate metrics
	AdmissionsTotal  *prometheus.CounterVec
	AdmissionLatency *prometheus.HistogramVec
	CreditsDebited   *prometheus.CounterVec
	PolicyDenials    *prometheus.CounterVec

	// Rate limit metrics
	RateLimitChecksTotal *prometheus.CounterVec
	RateLimitHitsTotal   *prometheus.CounterVec

	// Quota metrics
	QuotaChecksTotal  *prometheus.CounterVec
	QuotaExceededTotal *prometheus.CounterVec

	// Proxy metrics
	ProxyCallsTotal   *prometheus.CounterVec
	ProxyCallDuration *prometheus.HistogramVec
	ProxyErrorsTotal  *prometheus.CounterVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionsCreatedTotal prometheus.Counter
	SessionsEvictedTotal *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDeadLetter   *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
	WebhookBreakerTrips *prometheus.CounterVec

	// OAuth metrics
	OAuthTokensIssuedTotal  *prometheus.CounterVec
	OAuthTokensRevokedTotal *prometheus.CounterVec
	OAuthClientsRegistered  prometheus.Counter

	// KeyStore metrics
	KeysActive  prometheus.Gauge
	StoreSaveDuration prometheus.Histogram

	// System metrics
	SweepRunsTotal      *prometheus.CounterVec
	SweepRecordsPruned  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_admissions_total",
				Help: "Total number of Gate admission decisions",
			},
			[]string{"tool", "decision"},
		),
		AdmissionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_admission_duration_seconds",
				Help:    "Time taken to evaluate an admission decision (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"tool"},
		),
		CreditsDebited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_credits_debited_total",
				Help: "Total credits debited from keys",
			},
			[]string{"tool"},
		),
		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_policy_denials_total",
				Help: "Total number of requests denied by policy",
			},
			[]string{"reason"},
		),

		RateLimitChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_rate_limit_checks_total",
				Help: "Total number of rate limit checks performed",
			},
			[]string{"scope"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_rate_limit_hits_total",
				Help: "Total number of requests rejected by rate limiting",
			},
			[]string{"scope"},
		),

		QuotaChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_quota_checks_total",
				Help: "Total number of quota checks performed",
			},
			[]string{"window"},
		),
		QuotaExceededTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_quota_exceeded_total",
				Help: "Total number of requests rejected for exceeding quota",
			},
			[]string{"window"},
		),

		ProxyCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_proxy_calls_total",
				Help: "Total number of requests forwarded to the upstream tool server",
			},
			[]string{"tool"},
		),
		ProxyCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_proxy_call_duration_seconds",
				Help:    "Duration of upstream forwarding calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ProxyErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_proxy_errors_total",
				Help: "Total number of upstream forwarding errors",
			},
			[]string{"tool", "error_type"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paygate_sessions_active",
				Help: "Number of currently open MCP sessions",
			},
		),
		SessionsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsEvictedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_sessions_evicted_total",
				Help: "Total number of sessions evicted",
			},
			[]string{"reason"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDeadLetter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_dead_letter_total",
				Help: "Total number of webhooks moved to the dead-letter buffer",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		WebhookBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_webhook_breaker_trips_total",
				Help: "Total number of times a per-destination webhook circuit breaker tripped open",
			},
			[]string{"destination"},
		),

		OAuthTokensIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_oauth_tokens_issued_total",
				Help: "Total number of OAuth tokens issued",
			},
			[]string{"token_type"},
		),
		OAuthTokensRevokedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_oauth_tokens_revoked_total",
				Help: "Total number of OAuth tokens revoked",
			},
			[]string{"reason"},
		),
		OAuthClientsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_oauth_clients_registered_total",
				Help: "Total number of dynamically registered OAuth clients",
			},
		),

		KeysActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "paygate_keys_active",
				Help: "Number of active (non-revoked) API keys",
			},
		),
		StoreSaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paygate_store_save_duration_seconds",
				Help:    "Time taken to persist store state to disk",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
			},
		),

		SweepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_sweep_runs_total",
				Help: "Total number of background sweep runs",
			},
			[]string{"sweep"},
		),
		SweepRecordsPruned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_sweep_records_pruned_total",
				Help: "Total number of records pruned by a background sweep",
			},
			[]string{"sweep"},
		),
	}
}

// ObserveAdmission records a Gate admission decision.
func (m *Metrics) ObserveAdmission(tool, decision string, duration time.Duration) {
	m.AdmissionsTotal.WithLabelValues(tool, decision).Inc()
	m.AdmissionLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveCreditsDebited records a successful credit debit.
func (m *Metrics) ObserveCreditsDebited(tool string, credits float64) {
	m.CreditsDebited.WithLabelValues(tool).Add(credits)
}

// ObservePolicyDenial records a policy-level denial by reason code.
func (m *Metrics) ObservePolicyDenial(reason string) {
	m.PolicyDenials.WithLabelValues(reason).Inc()
}

// ObserveRateLimitCheck records a rate limit check and whether it was rejected.
func (m *Metrics) ObserveRateLimitCheck(scope string, allowed bool) {
	m.RateLimitChecksTotal.WithLabelValues(scope).Inc()
	if !allowed {
		m.RateLimitHitsTotal.WithLabelValues(scope).Inc()
	}
}

// ObserveQuotaCheck records a quota check and whether it was rejected.
func (m *Metrics) ObserveQuotaCheck(window string, allowed bool) {
	m.QuotaChecksTotal.WithLabelValues(window).Inc()
	if !allowed {
		m.QuotaExceededTotal.WithLabelValues(window).Inc()
	}
}

// ObserveProxyCall records a forwarded call to the upstream tool server.
func (m *Metrics) ObserveProxyCall(tool string, duration time.Duration, err error) {
	m.ProxyCallsTotal.WithLabelValues(tool).Inc()
	m.ProxyCallDuration.WithLabelValues(tool).Observe(duration.Seconds())

	if err != nil {
		errorType := "unknown"
		if errStr := err.Error(); errStr != "" {
			switch {
			case contains(errStr, "timeout"):
				errorType = "timeout"
			case contains(errStr, "breaker"):
				errorType = "circuit_open"
			case contains(errStr, "connection"):
				errorType = "connection"
			default:
				errorType = "other"
			}
		}
		m.ProxyErrorsTotal.WithLabelValues(tool, errorType).Inc()
	}
}

// ObserveSessionCreated records a new session.
func (m *Metrics) ObserveSessionCreated() {
	m.SessionsCreatedTotal.Inc()
	m.SessionsActive.Inc()
}

// ObserveSessionClosed records a session closing, by reason (client_close, idle_timeout, capacity_evicted).
func (m *Metrics) ObserveSessionClosed(reason string) {
	m.SessionsEvictedTotal.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, deadLettered bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if deadLettered {
		m.WebhookDeadLetter.WithLabelValues(eventType).Inc()
	}
}

// ObserveWebhookBreakerTrip records a per-destination circuit breaker trip.
func (m *Metrics) ObserveWebhookBreakerTrip(destination string) {
	m.WebhookBreakerTrips.WithLabelValues(destination).Inc()
}

// ObserveOAuthTokenIssued records issuance of an access or refresh token.
func (m *Metrics) ObserveOAuthTokenIssued(tokenType string) {
	m.OAuthTokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

// ObserveOAuthTokenRevoked records revocation of a token, by reason (explicit, family_cascade, expired_sweep).
func (m *Metrics) ObserveOAuthTokenRevoked(reason string) {
	m.OAuthTokensRevokedTotal.WithLabelValues(reason).Inc()
}

// ObserveStoreSave records the duration of a persisted-state save.
func (m *Metrics) ObserveStoreSave(duration time.Duration) {
	m.StoreSaveDuration.Observe(duration.Seconds())
}

// ObserveSweep records a background sweep run and how many records it pruned.
func (m *Metrics) ObserveSweep(sweep string, recordsPruned int64) {
	m.SweepRunsTotal.WithLabelValues(sweep).Inc()
	m.SweepRecordsPruned.WithLabelValues(sweep).Add(float64(recordsPruned))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && s[:len(substr)] == substr ||
		len(s) > len(substr) && contains(s[1:], substr)
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
