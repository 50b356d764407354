package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// Guard runs the abuse guard in front of a route group.
type Guard struct {
	guard   *abuse.Guard
	events  store.AuditStore
	metrics *infrastructure.ProtocolMetrics
	clock   clock.Clock
	logger  *slog.Logger
}

// NewGuard wraps g for use as middleware. events may be nil.
func NewGuard(g *abuse.Guard, events store.AuditStore, metrics *infrastructure.ProtocolMetrics, clk clock.Clock, logger *slog.Logger) *Guard {
	if metrics == nil {
		metrics = infrastructure.NoopProtocolMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		guard:   g,
		events:  events,
		metrics: metrics,
		clock:   clock.OrSystem(clk),
		logger:  logger.With(slog.String("component", "guard_middleware")),
	}
}

// Handler checks every request against budget. The client time and nonce
// headers are optional; when present they are checked for freshness and
// replay. A failing state store lets the request through.
func (g *Guard) Handler(budget abuse.Budget) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			clientID := ClientIDFrom(r)

			d, err := g.guard.Check(ctx, abuse.Request{
				ClientID:  clientID,
				Budget:    budget,
				Timestamp: r.Header.Get(config.HeaderClientTime),
				Nonce:     r.Header.Get(config.HeaderClientNonce),
				Header:    r.Header,
			})
			if err != nil {
				g.logger.ErrorContext(ctx, "Abuse state unavailable, allowing request",
					slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				g.reject(w, r, clientID, budget, d)
				return
			}

			if len(d.Warnings) > 0 {
				g.logger.DebugContext(ctx, "Header heuristics raised warnings",
					slog.Any("warnings", d.Warnings))
				if err := g.guard.NoteWarnings(ctx, clientID, len(d.Warnings)); err != nil {
					g.logger.WarnContext(ctx, "Failed to record header warnings", slog.String("error", err.Error()))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, clientID string, budget abuse.Budget, d abuse.Decision) {
	ctx := r.Context()
	infrastructure.Count(ctx, g.metrics.AbuseRejections, "reason", d.Status.String(), "budget", string(budget))
	g.logger.WarnContext(ctx, "Request rejected by abuse guard",
		slog.String("status", d.Status.String()),
		slog.String("reason", d.Reason))

	if eventType, severity, ok := rejectionEvent(d.Status); ok {
		g.recordEvent(r, clientID, eventType, severity, d.Reason)
	}

	if d.Status == apperrors.StatusRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(int(g.guard.Config().Window.Seconds())))
	}
	problem := apperrors.ProblemForStatus(d.Status, r.URL.Path).
		WithExtension("trace_id", infrastructure.GetTraceID(ctx))
	_ = render.Render(w, r, problem)
}

func rejectionEvent(s apperrors.Status) (string, domain.Severity, bool) {
	switch s {
	case apperrors.StatusRateLimited:
		return domain.EventRateLimited, domain.SeverityLow, true
	case apperrors.StatusDuplicateRequest:
		return domain.EventReplay, domain.SeverityMedium, true
	case apperrors.StatusIPBlocked:
		return domain.EventIPBlocked, domain.SeverityLow, true
	}
	return "", "", false
}

func (g *Guard) recordEvent(r *http.Request, clientID, eventType string, severity domain.Severity, reason string) {
	infrastructure.Count(r.Context(), g.metrics.SecurityEvents, "type", eventType)
	if g.events == nil {
		return
	}
	err := g.events.RecordEvent(r.Context(), &domain.SecurityEvent{
		EventType: eventType,
		Severity:  severity,
		IPAddress: clientID,
		Details:   map[string]string{"path": r.URL.Path, "reason": reason},
		CreatedAt: g.clock.Now(),
	})
	if err != nil {
		g.logger.ErrorContext(r.Context(), "Failed to record security event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
