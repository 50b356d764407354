package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const loaderUA = "Roblox/WinInet"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	code, _ := body["code"].(string)
	return code
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-id", seen)
}

func TestClientIdentity(t *testing.T) {
	var seen string
	h := ClientIdentity(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ClientIDFrom(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.7", seen)
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(apperrors.NewErrorHandler(discardLogger(), false))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "SERVER_ERROR", decodeCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		cfg       CORSConfig
		origin    string
		wantAllow bool
	}{
		{"listed origin", CORSConfig{AllowedOrigins: []string{"https://scriptgate.dev"}}, "https://scriptgate.dev", true},
		{"unlisted origin", CORSConfig{AllowedOrigins: []string{"https://scriptgate.dev"}}, "https://evil.example", false},
		{"localhost in development", CORSConfig{AllowLocalhost: true}, "http://localhost:5173", true},
		{"localhost lookalike", CORSConfig{AllowLocalhost: true}, "http://localhost.evil.example", false},
		{"localhost outside development", CORSConfig{}, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/sync", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodGet)
			rec := httptest.NewRecorder()
			CORS(tt.cfg)(okHandler).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusNoContent, rec.Code)
			if tt.wantAllow {
				assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSConfig_CheckOrigin(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: []string{"https://scriptgate.dev"}}

	req := httptest.NewRequest(http.MethodGet, "/session/channel", nil)
	assert.True(t, cfg.CheckOrigin(req), "loaders send no origin")

	req.Header.Set("Origin", "https://scriptgate.dev")
	assert.True(t, cfg.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, cfg.CheckOrigin(req))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

type guardFixture struct {
	guard *abuse.Guard
	mem   *store.Memory
	clk   *clock.Fake
	mw    *Guard
}

func newGuardFixture(cfg config.AbuseConfig) *guardFixture {
	clk := clock.NewFake(t0)
	g := abuse.NewGuard(abuse.NewMemoryStore(4, clk), cfg, clk, discardLogger())
	mem := store.NewMemory()
	return &guardFixture{guard: g, mem: mem, clk: clk, mw: NewGuard(g, mem, nil, clk, discardLogger())}
}

func (f *guardFixture) do(budget abuse.Budget, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/keycheck", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	req.Header.Set("User-Agent", loaderUA)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	ClientIdentity(f.mw.Handler(budget)(okHandler)).ServeHTTP(rec, req)
	return rec
}

func eventsOfType(mem *store.Memory, eventType string) int {
	n := 0
	for _, e := range mem.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestGuardMiddleware_RateLimit(t *testing.T) {
	f := newGuardFixture(config.AbuseConfig{GeneralLimit: 2, PaymentLimit: 1})

	assert.Equal(t, http.StatusOK, f.do(abuse.BudgetGeneral, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(abuse.BudgetGeneral, nil).Code)
	rec := f.do(abuse.BudgetGeneral, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeCode(t, rec))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, eventsOfType(f.mem, domain.EventRateLimited))

	// Budgets are independent.
	assert.Equal(t, http.StatusOK, f.do(abuse.BudgetPayment, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(abuse.BudgetPayment, nil).Code)
}

func TestGuardMiddleware_TimestampAndReplay(t *testing.T) {
	f := newGuardFixture(config.AbuseConfig{})
	signed := func(ts time.Time, nonce string) func(*http.Request) {
		return func(r *http.Request) {
			r.Header.Set(config.HeaderClientTime, strconv.FormatInt(ts.Unix(), 10))
			r.Header.Set(config.HeaderClientNonce, nonce)
		}
	}

	assert.Equal(t, http.StatusOK, f.do(abuse.BudgetGeneral, signed(t0, "nonce-0000000001")).Code)

	rec := f.do(abuse.BudgetGeneral, signed(t0, "nonce-0000000001"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", decodeCode(t, rec))
	assert.Equal(t, 1, eventsOfType(f.mem, domain.EventReplay))

	rec = f.do(abuse.BudgetGeneral, signed(t0.Add(-time.Minute), "nonce-0000000002"))
	assert.Equal(t, "EXPIRED_REQUEST", decodeCode(t, rec))
}

func TestGuardMiddleware_Blocked(t *testing.T) {
	f := newGuardFixture(config.AbuseConfig{})
	require.NoError(t, f.guard.State().Block(context.Background(), "203.0.113.7", time.Hour))

	rec := f.do(abuse.BudgetGeneral, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "IP_BLOCKED", decodeCode(t, rec))
	assert.Equal(t, 1, eventsOfType(f.mem, domain.EventIPBlocked))
}

func TestGuardMiddleware_HeaderWarningsDoNotBlock(t *testing.T) {
	f := newGuardFixture(config.AbuseConfig{})
	noUA := func(r *http.Request) {
		r.Header.Del("User-Agent")
		r.Header.Set("X-Executor", "1")
	}

	for i := 0; i < 30; i++ {
		require.Equal(t, http.StatusOK, f.do(abuse.BudgetGeneral, noUA).Code, "request %d", i+1)
	}
	blocked, err := f.guard.State().IsBlocked(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Zero(t, eventsOfType(f.mem, domain.EventIPBlocked))
}

func TestGuardMiddleware_HeaderWarningsAggravateAnomalies(t *testing.T) {
	f := newGuardFixture(config.AbuseConfig{SuspicionThreshold: 3})
	noUA := func(r *http.Request) { r.Header.Del("User-Agent") }

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, f.do(abuse.BudgetGeneral, noUA).Code)
	}
	blocked, err := f.guard.ReportAnomaly(context.Background(), "203.0.113.7", abuse.AnomalyUnknownKeyProbe)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "IP_BLOCKED", decodeCode(t, f.do(abuse.BudgetGeneral, nil)))
}

type failingState struct{ abuse.StateStore }

func (failingState) IsBlocked(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestGuardMiddleware_FailsOpen(t *testing.T) {
	g := abuse.NewGuard(failingState{}, config.AbuseConfig{}, clock.NewFake(t0), discardLogger())
	mw := NewGuard(g, nil, nil, nil, discardLogger())

	rec := httptest.NewRecorder()
	mw.Handler(abuse.BudgetGeneral)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecutorCheck(t *testing.T) {
	mem := store.NewMemory()
	h := ExecutorCheck(ExecutorConfig{
		Agents: []string{"Roblox", "ScriptGate-Loader"},
		Header: "X-Executor",
		Events: mem,
		Logger: discardLogger(),
	})(okHandler)

	tests := []struct {
		name   string
		ua     string
		header string
		want   int
	}{
		{"roblox agent", "Roblox/WinInet", "", http.StatusOK},
		{"agent match is case-insensitive", "scriptgate-loader/2.1", "", http.StatusOK},
		{"executor header", "Mozilla/5.0", "synapse", http.StatusOK},
		{"browser", "Mozilla/5.0 (Windows NT 10.0)", "", http.StatusUnauthorized},
		{"no user agent", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/keycheck", nil)
			req.Header.Set("User-Agent", tt.ua)
			if tt.header != "" {
				req.Header.Set("X-Executor", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
				assert.Contains(t, rec.Body.String(), "Unauthorized")
			}
		})
	}
	assert.Equal(t, 2, eventsOfType(mem, domain.EventNonExecutorClient))
}

func TestInternalAuth(t *testing.T) {
	do := func(a *InternalAuth, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/internal/nodes/eu-west/health", nil)
		if key != "" {
			req.Header.Set(config.HeaderInternalKey, key)
		}
		rec := httptest.NewRecorder()
		a.Handler(okHandler).ServeHTTP(rec, req)
		return rec
	}

	a := NewInternalAuth("op-key", 100, 100, discardLogger())
	assert.Equal(t, http.StatusOK, do(a, "op-key").Code)
	assert.Equal(t, http.StatusUnauthorized, do(a, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, do(a, "").Code)

	disabled := NewInternalAuth("", 100, 100, discardLogger())
	assert.Equal(t, http.StatusForbidden, do(disabled, "").Code)

	limited := NewInternalAuth("op-key", 1, 1, discardLogger())
	assert.Equal(t, http.StatusOK, do(limited, "op-key").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(limited, "op-key").Code)
}

func TestMetrics(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Metrics(infrastructure.NoopProtocolMetrics()))
	r.Get("/deliver/{scriptId}", okHandler)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deliver/s1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
