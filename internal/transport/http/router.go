package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scriptgate/internal/abuse"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/middleware"
	"scriptgate/internal/services"
	"scriptgate/internal/websocket"
)

// RouterDeps is everything the router mounts.
type RouterDeps struct {
	Protocol *services.ProtocolService
	Payments *services.PaymentService
	Admin    *services.AdminService
	Health   *services.HealthService
	Streamer *websocket.Streamer

	Guard        *middleware.Guard
	InternalAuth *middleware.InternalAuth
	Executors    middleware.ExecutorConfig
	CORS         middleware.CORSConfig

	Metrics        *infrastructure.ProtocolMetrics
	MetricsHandler http.Handler
	Errors         *apperrors.ErrorHandler
	Logger         *slog.Logger

	// RequestTimeout bounds non-streaming handlers; zero disables it.
	RequestTimeout time.Duration
}

// NewRouter assembles the middleware chain and every route.
func NewRouter(d RouterDeps) chi.Router {
	if d.Metrics == nil {
		d.Metrics = infrastructure.NoopProtocolMetrics()
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}

	protocol := NewProtocolHandler(d.Protocol, d.Streamer, d.Errors, d.Logger)
	payments := NewPaymentHandler(d.Payments, d.Errors, d.Logger)
	admin := NewAdminHandler(d.Admin, d.Errors, d.Logger)
	health := NewHealthHandler(d.Health)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIdentity)
	r.Use(middleware.StructuredLogger(d.Logger))
	r.Use(middleware.Recoverer(d.Errors))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(d.CORS))
	r.Use(middleware.Metrics(d.Metrics))
	r.NotFound(d.Errors.NotFound)
	r.MethodNotAllowed(d.Errors.MethodNotAllowed)

	r.Get("/health", health.HealthCheck)
	r.Get("/health/ready", health.ReadinessCheck)
	r.Method(http.MethodGet, "/metrics", d.MetricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(d.Guard.Handler(abuse.BudgetGeneral))

		r.Group(func(r chi.Router) {
			if d.RequestTimeout > 0 {
				r.Use(chimw.Timeout(d.RequestTimeout))
			}
			r.Get("/sync", protocol.Sync)
			r.Get("/version", protocol.Version)
			r.Get("/keycheck", protocol.KeyCheck)
			r.Post("/keycheck", protocol.KeyCheck)

			r.Group(func(r chi.Router) {
				r.Use(middleware.ExecutorCheck(d.Executors))
				r.Post("/deliver/{scriptId}", protocol.Deliver)
				r.Post("/session/init", protocol.SessionInit)
				r.Get("/session/prepare", protocol.Prepare)
			})
		})

		// The channel outlives any request timeout once upgraded.
		r.With(middleware.ExecutorCheck(d.Executors)).Get(services.ChannelPath, protocol.Channel)
	})

	r.Group(func(r chi.Router) {
		r.Use(d.Guard.Handler(abuse.BudgetPayment))
		r.Post("/payments/complete", payments.Complete)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(d.InternalAuth.Handler)
		r.Put("/nodes/{id}/health", admin.SetNodeHealth)
		r.Post("/keys/{id}/reset-hwid", admin.ResetHWID)
	})

	return r
}
