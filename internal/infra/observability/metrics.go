package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
)

// Metrics holds all Prometheus metrics for the commerce service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration      *prometheus.HistogramVec
	turnsTotal           *prometheus.CounterVec
	actionsTotal         *prometheus.CounterVec
	ordersTotal          *prometheus.CounterVec
	interpreterFallbacks *prometheus.CounterVec
	externalErrors       *prometheus.CounterVec
	sideEffectFailures   *prometheus.CounterVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	tokensUsed           *prometheus.CounterVec
	duplicateDeliveries  prometheus.Counter
	escalations          *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wacommerce_operation_duration_seconds",
				Help:    "Duration of operations (turns, interpreter calls, order materialization).",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_turns_total",
				Help: "Customer turns processed.",
			},
			[]string{"status"},
		),
		actionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_actions_total",
				Help: "Interpreted actions by kind.",
			},
			[]string{"action"},
		),
		ordersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_orders_total",
				Help: "Order materialization attempts by outcome.",
			},
			[]string{"outcome"},
		),
		interpreterFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_interpreter_fallbacks_total",
				Help: "Turns where the interpreter fell back to a none action.",
			},
			[]string{"reason"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		sideEffectFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_side_effect_failures_total",
				Help: "Best-effort side effects that failed during a turn.",
			},
			[]string{"kind"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		duplicateDeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wacommerce_duplicate_deliveries_total",
				Help: "Webhook messages dropped as redeliveries.",
			},
		),
		escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wacommerce_escalations_total",
				Help: "Escalations to the owner by delivery outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrTurn counts a processed turn ("success" or "error").
func (m *Metrics) IncrTurn(status string) {
	m.turnsTotal.WithLabelValues(status).Inc()
}

// IncrAction counts an interpreted action.
func (m *Metrics) IncrAction(kind domain.ActionKind) {
	m.actionsTotal.WithLabelValues(string(kind)).Inc()
}

// IncrOrder counts an order outcome ("created", "failed", "conflict").
func (m *Metrics) IncrOrder(outcome string) {
	m.ordersTotal.WithLabelValues(outcome).Inc()
}

// IncrInterpreterFallback counts an interpreter fallback.
func (m *Metrics) IncrInterpreterFallback(reason string) {
	m.interpreterFallbacks.WithLabelValues(reason).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrSideEffectFailure counts a failed best-effort call.
func (m *Metrics) IncrSideEffectFailure(kind string) {
	m.sideEffectFailures.WithLabelValues(kind).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrDuplicateDelivery counts a dropped webhook redelivery.
func (m *Metrics) IncrDuplicateDelivery() {
	m.duplicateDeliveries.Inc()
}

// IncrEscalation counts an escalation ("notified", "skipped", "failed").
func (m *Metrics) IncrEscalation(outcome string) {
	m.escalations.WithLabelValues(outcome).Inc()
}

// GetCommerceSnapshot returns the counters behind GET /v1/metrics/commerce.
func (m *Metrics) GetCommerceSnapshot() *domain.CommerceMetrics {
	success := getCounterValue(m.turnsTotal, "success")
	failed := getCounterValue(m.turnsTotal, "error")
	turns := success + failed

	var fallbacks float64
	for _, reason := range []string{"model_error", "invalid_output", "circuit_open", "timeout"} {
		fallbacks += getCounterValue(m.interpreterFallbacks, reason)
	}

	hits := getCounterValue(m.cacheHits, "catalog")
	misses := getCounterValue(m.cacheMisses, "catalog")
	tokens := getCounterValue(m.tokensUsed, "prompt") + getCounterValue(m.tokensUsed, "completion")

	snap := &domain.CommerceMetrics{
		Turns:               int64(turns),
		OrdersCreated:       int64(getCounterValue(m.ordersTotal, "created")),
		OrdersFailed:        int64(getCounterValue(m.ordersTotal, "failed")),
		InterpreterFallback: int64(fallbacks),
		Escalations: int64(getCounterValue(m.escalations, "notified") +
			getCounterValue(m.escalations, "skipped") +
			getCounterValue(m.escalations, "failed")),
	}

	dup := &dto.Metric{}
	if err := m.duplicateDeliveries.Write(dup); err == nil && dup.Counter != nil {
		snap.DuplicateDeliveries = int64(dup.Counter.GetValue())
	}
	if turns > 0 {
		snap.FallbackRate = fallbacks / turns
		snap.AvgTokensPerTurn = tokens / turns
	}
	if hits+misses > 0 {
		snap.CacheHitRate = hits / (hits + misses)
	}
	return snap
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
