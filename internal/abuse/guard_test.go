package abuse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
)

func newTestGuard(cfg config.AbuseConfig) (*Guard, *clock.Fake) {
	clk := clock.NewFake(t0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGuard(NewMemoryStore(4, clk), cfg, clk, logger), clk
}

func unix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

func TestGuard_Timestamp(t *testing.T) {
	tests := []struct {
		name   string
		ts     string
		status apperrors.Status
	}{
		{"now", unix(t0), apperrors.StatusUnknown},
		{"30s old", unix(t0.Add(-30 * time.Second)), apperrors.StatusUnknown},
		{"31s old", unix(t0.Add(-31 * time.Second)), apperrors.StatusExpiredRequest},
		{"5s ahead", unix(t0.Add(5 * time.Second)), apperrors.StatusUnknown},
		{"6s ahead", unix(t0.Add(6 * time.Second)), apperrors.StatusExpiredRequest},
		{"milliseconds", strconv.FormatInt(t0.UnixMilli(), 10), apperrors.StatusUnknown},
		{"garbage", "yesterday", apperrors.StatusInvalidRequest},
		{"negative", "-5", apperrors.StatusInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(config.AbuseConfig{})
			d, err := g.Check(context.Background(), Request{ClientID: "ip", Budget: BudgetGeneral, Timestamp: tt.ts})
			require.NoError(t, err)
			assert.Equal(t, tt.status == apperrors.StatusUnknown, d.Allowed)
			assert.Equal(t, tt.status, d.Status)
		})
	}
}

func TestGuard_Replay(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{})
	ctx := context.Background()
	req := Request{ClientID: "ip", Budget: BudgetGeneral, Timestamp: unix(t0), Nonce: "0123456789abcdef"}

	d, err := g.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, apperrors.StatusDuplicateRequest, d.Status)

	// Replay from another client is still a replay.
	req.ClientID = "other"
	d, _ = g.Check(ctx, req)
	assert.Equal(t, apperrors.StatusDuplicateRequest, d.Status)
}

func TestGuard_StaleRequestDoesNotBurnNonce(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{})
	ctx := context.Background()

	d, _ := g.Check(ctx, Request{ClientID: "ip", Timestamp: unix(t0.Add(-time.Hour)), Nonce: "n"})
	assert.Equal(t, apperrors.StatusExpiredRequest, d.Status)

	d, _ = g.Check(ctx, Request{ClientID: "ip", Timestamp: unix(t0), Nonce: "n"})
	assert.True(t, d.Allowed)
}

func TestGuard_RateLimitBudgets(t *testing.T) {
	g, clk := newTestGuard(config.AbuseConfig{})
	ctx := context.Background()

	for i := 0; i < config.DefaultPaymentLimit; i++ {
		d, err := g.Check(ctx, Request{ClientID: "ip", Budget: BudgetPayment})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, _ := g.Check(ctx, Request{ClientID: "ip", Budget: BudgetPayment})
	assert.Equal(t, apperrors.StatusRateLimited, d.Status)

	// The general budget is tracked separately.
	d, _ = g.Check(ctx, Request{ClientID: "ip", Budget: BudgetGeneral})
	assert.True(t, d.Allowed)

	clk.Advance(config.RateWindow)
	d, _ = g.Check(ctx, Request{ClientID: "ip", Budget: BudgetPayment})
	assert.True(t, d.Allowed)
}

func TestGuard_GeneralBoundary(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{})
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		d, _ := g.Check(ctx, Request{ClientID: "ip", Budget: BudgetGeneral})
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d, _ := g.Check(ctx, Request{ClientID: "ip", Budget: BudgetGeneral})
	assert.False(t, d.Allowed)
	assert.Equal(t, 60, d.Count)
}

func TestGuard_SuspicionEscalatesToBlock(t *testing.T) {
	g, clk := newTestGuard(config.AbuseConfig{BlockDuration: 10 * time.Minute})
	ctx := context.Background()

	blocked, err := g.ReportAnomaly(ctx, "ip", AnomalyInvalidSignature)
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = g.ReportAnomaly(ctx, "ip", AnomalyInvalidSignature)
	require.NoError(t, err)
	assert.False(t, blocked, "a score of exactly 10 is not over the threshold")

	blocked, err = g.ReportAnomaly(ctx, "ip", AnomalyUnknownKeyProbe)
	require.NoError(t, err)
	assert.True(t, blocked)

	d, err := g.Check(ctx, Request{ClientID: "ip", Timestamp: "garbage"})
	require.NoError(t, err)
	assert.Equal(t, apperrors.StatusIPBlocked, d.Status, "blocked short-circuits every other check")

	clk.Advance(10 * time.Minute)
	d, _ = g.Check(ctx, Request{ClientID: "ip"})
	assert.True(t, d.Allowed)
}

func TestAnomalyWeights(t *testing.T) {
	assert.Equal(t, 5, AnomalyInvalidSignature.Weight())
	assert.Equal(t, 5, AnomalyIPMismatch.Weight())
	assert.Equal(t, 3, AnomalyBannedKeyProbe.Weight())
	assert.Equal(t, 2, AnomalyUnknownKeyProbe.Weight())
	assert.Zero(t, Anomaly("other").Weight())
}

func TestSweeper(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{})
	s, err := NewSweeper(g, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Entries())

	ctx := context.Background()
	_, err = g.Check(ctx, Request{ClientID: "ip", Nonce: "n"})
	require.NoError(t, err)
	s.RotateNonces()
	d, _ := g.Check(ctx, Request{ClientID: "ip", Nonce: "n"})
	assert.True(t, d.Allowed)

	s.Start()
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)

	g2, _ := newTestGuard(config.AbuseConfig{PerNonceTTL: true})
	s2, err := NewSweeper(g2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Entries(), "per-nonce TTL needs no rotation job")

	_, err = NewSweeper(newGuardWithSchedule("not a schedule"), nil)
	assert.Error(t, err)
}

func newGuardWithSchedule(schedule string) *Guard {
	g, _ := newTestGuard(config.AbuseConfig{SweepSchedule: schedule})
	return g
}

func TestGuard_HeaderWarningsNeverBlockAlone(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{SuspicionThreshold: 3})
	ctx := context.Background()
	h := http.Header{}
	h.Set("User-Agent", "curl/8.0")

	for i := 0; i < 50; i++ {
		d, err := g.Check(ctx, Request{ClientID: "ip", Header: h})
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, []string{WarnAutomationUserAgent}, d.Warnings)
		require.NoError(t, g.NoteWarnings(ctx, "ip", len(d.Warnings)))
	}

	blocked, err := g.State().IsBlocked(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestGuard_HeaderWarningsAggravateAnomalies(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{SuspicionThreshold: 3})
	ctx := context.Background()

	blocked, err := g.ReportAnomaly(ctx, "clean", AnomalyUnknownKeyProbe)
	require.NoError(t, err)
	assert.False(t, blocked, "2 points stay under the threshold")

	require.NoError(t, g.NoteWarnings(ctx, "noisy", 40))
	blocked, err = g.ReportAnomaly(ctx, "noisy", AnomalyUnknownKeyProbe)
	require.NoError(t, err)
	assert.True(t, blocked, "2 points plus the capped warning bonus cross the threshold")
}

func TestGuard_HeaderWarningBonusIsCapped(t *testing.T) {
	g, _ := newTestGuard(config.AbuseConfig{SuspicionThreshold: 4})
	ctx := context.Background()

	require.NoError(t, g.NoteWarnings(ctx, "ip", 100))
	blocked, err := g.ReportAnomaly(ctx, "ip", AnomalyUnknownKeyProbe)
	require.NoError(t, err)
	assert.False(t, blocked, "2 + HeaderWarningBonus equals the threshold")
}
