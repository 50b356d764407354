package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/internal/abuse"
	"scriptgate/internal/config"
	"scriptgate/internal/services"
	"scriptgate/internal/shared/testutil"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telemetry.MetricExporter = "none"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := NewApplication(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.cleanup)
	return a
}

func TestNewApplication_MemoryBackends(t *testing.T) {
	a := newTestApp(t, testConfig())

	assert.IsType(t, &store.Memory{}, a.Store)
	assert.IsType(t, &abuse.MemoryStore{}, a.AbuseState)
	assert.Equal(t, ":8080", a.Server.Addr)
	assert.NotNil(t, a.Router)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApplication_KeycheckEndToEnd(t *testing.T) {
	logger, logs := testutil.NewTestLogger(nil)
	a, err := NewApplication(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(a.cleanup)
	assert.True(t, logs.Contains(slog.LevelWarn, "in-memory record store"))

	mem, ok := a.Store.(*store.Memory)
	require.True(t, ok)
	testutil.SeedCatalog(t, mem, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/keycheck?by="+testutil.ScriptID+"&key="+testutil.KeyValue, nil)
	testutil.SignKeycheck(req, testutil.KeyValue, "HWID-A", "0000000000000001", time.Now())
	req.RemoteAddr = "203.0.113.7:4000"
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp services.KeyCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "KEY_VALID", resp.Code)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, testutil.KeyNote, resp.Note)
}

func TestNewApplication_PrometheusMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.MetricExporter = "prometheus"
	a := newTestApp(t, cfg)
	require.NotNil(t, a.OTel.PrometheusHTTP)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestNewApplication_RedisAbuseState(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Abuse.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()
	a := newTestApp(t, cfg)

	assert.IsType(t, &abuse.RedisStore{}, a.AbuseState)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mr.SetError("ERR injected failure")
	rec = httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "abuse_state")
}

func TestNewApplication_RedisUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.Abuse.Backend = "redis"
	cfg.Redis.Addr = addr
	_, err = NewApplication(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestPrune(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, a.Store.InsertToken(ctx, &domain.RotatingToken{
		Token: "stale", ScriptID: "s1", IssuedAt: now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Minute), IsValid: true,
	}))
	require.NoError(t, a.Store.InsertToken(ctx, &domain.RotatingToken{
		Token: "fresh", ScriptID: "s1", IssuedAt: now,
		ExpiresAt: now.Add(time.Minute), IsValid: true,
	}))

	a.Prune()

	_, err := a.Store.GetToken(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = a.Store.GetToken(ctx, "fresh")
	assert.NoError(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not shut down")
	}

	_, err = http.Get(url)
	assert.Error(t, err)
}
