package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

const healthCheckTimeout = 2 * time.Second

// HealthCheck is one dependency probed by /healthz. A failing Critical
// check makes the service unhealthy, any other failure degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

// RouterDeps wires the HTTP surface.
type RouterDeps struct {
	Dispatcher    TurnDispatcher
	Payments      PaymentConfirmer
	Conversations ConversationAdmin
	Checks        []HealthCheck
	Metrics       *observability.Metrics
	Limiter       *RateLimiter // nil disables webhook rate limiting

	VerifyToken string
	AppSecret   string
	JWTSecret   string

	Logger *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- WhatsApp webhook ---
	r.Route("/webhooks/whatsapp", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Get("/", webhookVerifyHandler(d.VerifyToken, logger))
		r.Post("/", webhookReceiveHandler(d.Dispatcher, d.AppSecret, logger))
	})

	// --- Internal API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(d.JWTSecret, logger))

		r.Get("/metrics/commerce", commerceMetricsHandler(d.Metrics))
		r.Post("/payments/confirmed", paymentConfirmedHandler(d.Payments, logger))
		r.Get("/tenants/{tenantId}/chats/{chatId}/conversation", getConversationHandler(d.Conversations, logger))
		r.Post("/tenants/{tenantId}/chats/{chatId}/conversation/reset", resetConversationHandler(d.Conversations, logger))
	})

	return r
}

// ============================================================
// Health & metrics
// ============================================================

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		services := []domain.ServiceHealth{{Name: "wa-commerce", Status: "healthy"}}
		overall := "healthy"
		for _, c := range checks {
			start := time.Now()
			err := c.Ping(ctx)
			h := domain.ServiceHealth{Name: c.Name, Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				h.Error = err.Error()
				h.Status = "degraded"
				if c.Critical {
					h.Status = "unhealthy"
				}
			}
			switch {
			case h.Status == "unhealthy":
				overall = "unhealthy"
			case h.Status == "degraded" && overall == "healthy":
				overall = "degraded"
			}
			services = append(services, h)
		}

		status := http.StatusOK
		if overall == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, domain.HealthStatus{Status: overall, Services: services})
	}
}

// GET /v1/metrics/commerce
func commerceMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetCommerceSnapshot())
	}
}
