package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emberchat/backend/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_requests_total",
			Help: "Chat requests processed, by terminal outcome",
		},
		[]string{"tenant_group", "model", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatd_request_duration_seconds",
			Help:    "End-to-end chat request duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tenant_group", "model"},
	)

	RoundsPerRequest = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatd_rounds_per_request",
			Help:    "Tool-calling rounds used per chat request",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8},
		},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_tokens_total",
			Help: "Tokens processed, by kind",
		},
		[]string{"model", "type"},
	)

	CostUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_cost_units_total",
			Help: "Cost settled against tenant quotas, in quota units",
		},
		[]string{"tenant_group", "model"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_quota_denials_total",
			Help: "Admissions denied by the quota engine",
		},
		[]string{"reason"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_rate_limit_hits_total",
			Help: "Requests rejected by the per-tenant rate limiter",
		},
		[]string{"tenant_id"},
	)

	CredentialHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatd_credential_health",
			Help: "Credential health (0=healthy, 1=degraded, 2=down)",
		},
		[]string{"credential_id"},
	)

	CredentialConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatd_credential_concurrency",
			Help: "In-flight requests per credential",
		},
		[]string{"credential_id"},
	)

	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_pool_exhausted_total",
			Help: "Acquisitions that found no usable credential",
		},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_active_streams",
			Help: "Chat streams currently open",
		},
	)

	CompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_compactions_total",
			Help: "History compactions performed",
		},
	)

	CompactionTokensSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_compaction_tokens_saved_total",
			Help: "Estimated tokens removed from context by compaction",
		},
	)
)

func RecordRequest(tenantGroup, model, outcome string, durationSec float64, rounds int) {
	RequestsTotal.WithLabelValues(tenantGroup, model, outcome).Inc()
	RequestDuration.WithLabelValues(tenantGroup, model).Observe(durationSec)
	if rounds > 0 {
		RoundsPerRequest.Observe(float64(rounds))
	}
}

func RecordUsage(tenantGroup, model string, usage domain.Usage, units domain.CostUnits) {
	TokensTotal.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	TokensTotal.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
	TokensTotal.WithLabelValues(model, "cache_creation").Add(float64(usage.CacheCreationTokens))
	TokensTotal.WithLabelValues(model, "cache_read").Add(float64(usage.CacheReadTokens))
	CostUnitsTotal.WithLabelValues(tenantGroup, model).Add(float64(units))
}

func RecordQuotaDenial(reason domain.DenyReason) {
	QuotaDenials.WithLabelValues(string(reason)).Inc()
}

func RecordRateLimitHit(tenantID string) {
	RateLimitHits.WithLabelValues(tenantID).Inc()
}

func SetCredentialHealth(credentialID string, health domain.Health, inflight int) {
	CredentialHealth.WithLabelValues(credentialID).Set(float64(health))
	CredentialConcurrency.WithLabelValues(credentialID).Set(float64(inflight))
}

func RecordCompaction(tokensSaved int) {
	CompactionsTotal.Inc()
	if tokensSaved > 0 {
		CompactionTokensSaved.Add(float64(tokensSaved))
	}
}
