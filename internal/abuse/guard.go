// Package abuse rejects hostile traffic before it reaches the protocol:
// blocked clients, rate-limit overruns, stale or replayed requests. It also
// keeps the per-client suspicion score that escalates repeat offenders into
// the blocked set.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
)

// Budget selects the rate limit applied to a request.
type Budget string

const (
	BudgetGeneral Budget = "general"
	BudgetPayment Budget = "payment"
)

// Anomaly is a protocol-level observation that raises a client's suspicion.
type Anomaly string

const (
	AnomalyInvalidSignature Anomaly = "invalid_signature"
	AnomalyIPMismatch       Anomaly = "ip_mismatch"
	AnomalyBannedKeyProbe   Anomaly = "banned_key_probe"
	AnomalyUnknownKeyProbe  Anomaly = "unknown_key_probe"
)

// HeaderWarningBonus caps the points accumulated header warnings add to a
// single anomaly report. Warnings never raise the blocking score on their own.
const HeaderWarningBonus = 2

// Weight is the number of suspicion points an anomaly adds.
func (a Anomaly) Weight() int {
	switch a {
	case AnomalyInvalidSignature, AnomalyIPMismatch:
		return 5
	case AnomalyBannedKeyProbe:
		return 3
	case AnomalyUnknownKeyProbe:
		return 2
	}
	return 0
}

// Request is what the guard needs to know about an inbound call. Empty
// Timestamp or Nonce skips that check.
type Request struct {
	ClientID  string
	Budget    Budget
	Timestamp string
	Nonce     string
	Header    http.Header
}

// Decision is the guard's verdict. Status is set only when denied.
// Warnings are header heuristics raised on an allowed request.
type Decision struct {
	Allowed  bool
	Status   apperrors.Status
	Reason   string
	Warnings []string
	Count    int
}

func deny(status apperrors.Status, reason string) Decision {
	return Decision{Status: status, Reason: reason}
}

// Guard applies the abuse checks in a fixed order: blocked set, rate
// limit, timestamp window, nonce replay, then header heuristics.
type Guard struct {
	state  StateStore
	cfg    config.AbuseConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewGuard creates a guard over state. Zero config values fall back to the
// package defaults.
func NewGuard(state StateStore, cfg config.AbuseConfig, clk clock.Clock, logger *slog.Logger) *Guard {
	if cfg.GeneralLimit <= 0 {
		cfg.GeneralLimit = config.DefaultGeneralLimit
	}
	if cfg.PaymentLimit <= 0 {
		cfg.PaymentLimit = config.DefaultPaymentLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = config.RateWindow
	}
	if cfg.MaxClockSkewFuture <= 0 {
		cfg.MaxClockSkewFuture = config.MaxClockSkewFuture
	}
	if cfg.MaxRequestAge <= 0 {
		cfg.MaxRequestAge = config.MaxRequestAge
	}
	if cfg.NonceRotation <= 0 {
		cfg.NonceRotation = config.NonceRotation
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = config.SuspicionThreshold
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		state:  state,
		cfg:    cfg,
		clock:  clock.OrSystem(clk),
		logger: logger.With(slog.String("component", "abuse_guard")),
	}
}

// State exposes the underlying store for the sweeper.
func (g *Guard) State() StateStore { return g.state }

// Config returns the effective configuration.
func (g *Guard) Config() config.AbuseConfig { return g.cfg }

// Check evaluates req. A non-nil error means the state store failed; the
// decision is then not meaningful.
func (g *Guard) Check(ctx context.Context, req Request) (Decision, error) {
	blocked, err := g.state.IsBlocked(ctx, req.ClientID)
	if err != nil {
		return Decision{}, fmt.Errorf("abuse: blocked lookup: %w", err)
	}
	if blocked {
		return deny(apperrors.StatusIPBlocked, "client is blocked"), nil
	}

	limit := g.limitFor(req.Budget)
	allowed, count, err := g.state.Hit(ctx, string(req.Budget)+":"+req.ClientID, g.cfg.Window, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("abuse: rate hit: %w", err)
	}
	if !allowed {
		d := deny(apperrors.StatusRateLimited, fmt.Sprintf("more than %d requests in %s", limit, g.cfg.Window))
		d.Count = count
		return d, nil
	}

	if req.Timestamp != "" {
		if d, ok := g.checkTimestamp(req.Timestamp); !ok {
			return d, nil
		}
	}

	if req.Nonce != "" {
		var ttl time.Duration
		if g.cfg.PerNonceTTL {
			ttl = g.cfg.NonceRotation
		}
		seen, err := g.state.SeenNonce(ctx, req.Nonce, ttl)
		if err != nil {
			return Decision{}, fmt.Errorf("abuse: nonce lookup: %w", err)
		}
		if seen {
			return deny(apperrors.StatusDuplicateRequest, "nonce already used"), nil
		}
	}

	d := Decision{Allowed: true, Count: count}
	if req.Header != nil {
		d.Warnings = InspectHeaders(req.Header)
	}
	return d, nil
}

func (g *Guard) limitFor(b Budget) int {
	if b == BudgetPayment {
		return g.cfg.PaymentLimit
	}
	return g.cfg.GeneralLimit
}

func (g *Guard) checkTimestamp(raw string) (Decision, bool) {
	ts, err := ParseClientTime(raw)
	if err != nil {
		return deny(apperrors.StatusInvalidRequest, "malformed client time"), false
	}
	now := g.clock.Now()
	if ts.After(now.Add(g.cfg.MaxClockSkewFuture)) || ts.Before(now.Add(-g.cfg.MaxRequestAge)) {
		return deny(apperrors.StatusExpiredRequest, "client time outside accepted window"), false
	}
	return Decision{}, true
}

// ParseClientTime accepts unix seconds or milliseconds.
func ParseClientTime(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse client time: %w", err)
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("parse client time: negative value %d", n)
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// ReportAnomaly adds the anomaly's weight, plus up to HeaderWarningBonus
// points of recent header warnings, to the client's score and blocks the
// client once the score exceeds the threshold. It reports whether the
// client was blocked by this call.
func (g *Guard) ReportAnomaly(ctx context.Context, clientID string, a Anomaly) (bool, error) {
	points := a.Weight()
	if points <= 0 {
		return false, nil
	}
	warned, err := g.state.AddSuspicion(ctx, warningsID(clientID), 0, g.cfg.BlockDuration)
	if err != nil {
		return false, fmt.Errorf("abuse: header warnings: %w", err)
	}
	return g.addPoints(ctx, clientID, points+min(warned, HeaderWarningBonus), string(a))
}

// NoteWarnings records n header warnings for clientID. They are kept apart
// from the blocking score and only count through ReportAnomaly.
func (g *Guard) NoteWarnings(ctx context.Context, clientID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := g.state.AddSuspicion(ctx, warningsID(clientID), n, g.cfg.BlockDuration); err != nil {
		return fmt.Errorf("abuse: header warnings: %w", err)
	}
	return nil
}

func warningsID(clientID string) string { return "warn|" + clientID }

func (g *Guard) addPoints(ctx context.Context, clientID string, points int, reason string) (bool, error) {
	score, err := g.state.AddSuspicion(ctx, clientID, points, g.cfg.BlockDuration)
	if err != nil {
		return false, fmt.Errorf("abuse: add suspicion: %w", err)
	}
	if score <= g.cfg.SuspicionThreshold {
		return false, nil
	}
	if err := g.state.Block(ctx, clientID, g.cfg.BlockDuration); err != nil {
		return false, fmt.Errorf("abuse: block: %w", err)
	}
	g.logger.Log(ctx, slog.LevelWarn, "Client blocked",
		slog.String("client_id", clientID),
		slog.String("reason", reason),
		slog.Int("score", score),
		slog.Duration("duration", g.cfg.BlockDuration))
	return true, nil
}
