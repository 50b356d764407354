package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

const unauthorizedPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Unauthorized</title></head>
<body>
<h1>Unauthorized</h1>
<p>This endpoint only serves the ScriptGate loader.</p>
</body>
</html>
`

// ExecutorConfig identifies script executors.
type ExecutorConfig struct {
	// Agents are case-insensitive User-Agent substrings.
	Agents []string
	// Header, when present on a request, marks it as coming from an executor.
	Header string
	Events store.AuditStore
	Clock  clock.Clock
	Logger *slog.Logger
}

// ExecutorCheck serves a static HTML page to anything that is not a script
// executor, so browsers hitting a loader URL never see protocol output.
func ExecutorCheck(cfg ExecutorConfig) func(next http.Handler) http.Handler {
	agents := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			agents = append(agents, a)
		}
	}
	if cfg.Header == "" {
		cfg.Header = "X-Executor"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clk := clock.OrSystem(cfg.Clock)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExecutor(r, agents, cfg.Header) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			clientID := ClientIDFrom(r)
			cfg.Logger.InfoContext(ctx, "Non-executor client refused",
				slog.String("user_agent", r.UserAgent()),
				slog.String("path", r.URL.Path))
			if cfg.Events != nil {
				err := cfg.Events.RecordEvent(ctx, &domain.SecurityEvent{
					EventType: domain.EventNonExecutorClient,
					Severity:  domain.SeverityLow,
					IPAddress: clientID,
					Details:   map[string]string{"path": r.URL.Path, "user_agent": r.UserAgent()},
					CreatedAt: clk.Now(),
				})
				if err != nil {
					cfg.Logger.ErrorContext(ctx, "Failed to record security event", slog.String("error", err.Error()))
				}
			}

			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(unauthorizedPage))
		})
	}
}

func isExecutor(r *http.Request, agents []string, header string) bool {
	if r.Header.Get(header) != "" {
		return true
	}
	ua := strings.ToLower(r.UserAgent())
	if ua == "" {
		return false
	}
	for _, a := range agents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

// InternalAuth protects operator endpoints with a shared key and a global
// token-bucket limit. An empty key disables the endpoints entirely.
type InternalAuth struct {
	key     []byte
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewInternalAuth creates the internal endpoint guard.
func NewInternalAuth(key string, rps float64, burst int, logger *slog.Logger) *InternalAuth {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalAuth{
		key:     []byte(key),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(slog.String("component", "internal_auth")),
	}
}

// Handler returns the middleware.
func (a *InternalAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			_ = render.Render(w, r, apperrors.ProblemForStatus(apperrors.StatusRateLimited, r.URL.Path))
			return
		}

		if len(a.key) == 0 {
			problem := apperrors.NewProblemDetails(http.StatusForbidden, apperrors.TypeForbidden,
				"Forbidden", "Internal endpoints are disabled", r.URL.Path)
			_ = render.Render(w, r, problem)
			return
		}

		presented := []byte(r.Header.Get(config.HeaderInternalKey))
		if subtle.ConstantTimeCompare(presented, a.key) != 1 {
			a.logger.WarnContext(ctx, "Invalid internal key",
				slog.String("path", r.URL.Path))
			problem := apperrors.ProblemForStatus(apperrors.StatusUnauthorized, r.URL.Path).
				WithExtension("trace_id", infrastructure.GetTraceID(ctx))
			_ = render.Render(w, r, problem)
			return
		}
		next.ServeHTTP(w, r)
	})
}
