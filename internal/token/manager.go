// Package token manages rotating delivery tokens. A token moves from
// issued to consumed exactly once, or expires. Consumption is a single
// conditional update in the record store; the record is read back only to
// explain a failed consumption.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	apperrors "scriptgate/internal/errors"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// Consumption failures. They carry the protocol status sent to the client.
var (
	ErrInvalidToken = apperrors.Protocol(apperrors.StatusInvalidToken, "")
	ErrTokenExpired = apperrors.Protocol(apperrors.StatusTokenExpired, "")
	ErrIPMismatch   = apperrors.Protocol(apperrors.StatusIPMismatch, "")
)

const tokenBytes = 32

// Store is the slice of the record store the manager needs.
type Store interface {
	store.TokenStore
	store.AuditStore
}

// IssueParams binds a new token.
type IssueParams struct {
	ScriptID string
	KeyID    string
	HWIDHash string
	IP       string
	TTL      time.Duration
}

// ConsumeParams must match the issued token field for field.
type ConsumeParams struct {
	Token    string
	ScriptID string
	IP       string
	HWIDHash string
}

// Manager issues and consumes rotating tokens.
type Manager struct {
	store      Store
	clock      clock.Clock
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewManager creates a manager. defaultTTL applies when IssueParams.TTL is
// zero; every TTL is clamped to at most 60s.
func NewManager(s Store, defaultTTL time.Duration, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      s,
		clock:      clock.OrSystem(clk),
		defaultTTL: ClampTTL(defaultTTL),
		logger:     logger.With(slog.String("component", "token_manager")),
	}
}

// ClampTTL bounds ttl to (0, 60s]. Non-positive values become 60s.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > config.MaxTokenTTL {
		return config.MaxTokenTTL
	}
	return ttl
}

// Issue creates and persists a token.
func (m *Manager) Issue(ctx context.Context, p IssueParams) (*domain.RotatingToken, error) {
	value, err := security.RandomHex(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	ttl := m.defaultTTL
	if p.TTL != 0 {
		ttl = ClampTTL(p.TTL)
	}
	now := m.clock.Now()
	t := &domain.RotatingToken{
		Token:     value,
		ScriptID:  p.ScriptID,
		KeyID:     p.KeyID,
		HWIDHash:  p.HWIDHash,
		IPAddress: p.IP,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		IsValid:   true,
	}
	if err := m.store.InsertToken(ctx, t); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	m.logger.DebugContext(ctx, "Token issued",
		slog.String("script_id", p.ScriptID),
		slog.String("key_id", p.KeyID),
		slog.Duration("ttl", ttl))
	return t, nil
}

// Peek returns the token if it could still be consumed, without consuming
// it. Unusable tokens report the same errors as Consume.
func (m *Manager) Peek(ctx context.Context, value, scriptID string) (*domain.RotatingToken, error) {
	t, err := m.store.GetToken(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("peek token: %w", err)
	}
	if t.ScriptID != scriptID || !t.IsValid || t.UsedAt != nil {
		return nil, ErrInvalidToken
	}
	if !m.clock.Now().Before(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	return t, nil
}

// Consume flips a matching usable token to consumed. At most one caller
// ever succeeds for a given token.
func (m *Manager) Consume(ctx context.Context, p ConsumeParams) (*domain.RotatingToken, error) {
	now := m.clock.Now()
	t, err := m.store.ConsumeToken(ctx, store.ConsumeParams{
		Token:     p.Token,
		ScriptID:  p.ScriptID,
		IPAddress: p.IP,
		HWIDHash:  p.HWIDHash,
		Now:       now,
	})
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	return nil, m.classify(ctx, p, now)
}

// classify explains why a consumption matched nothing. It never mutates
// the token.
func (m *Manager) classify(ctx context.Context, p ConsumeParams, now time.Time) error {
	t, err := m.store.GetToken(ctx, p.Token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("classify token: %w", err)
	}

	switch {
	case t.ScriptID != p.ScriptID:
		return ErrInvalidToken
	case !t.IsValid || t.UsedAt != nil:
		m.recordEvent(ctx, t, domain.EventTokenReuse, domain.SeverityMedium, p.IP, nil)
		return ErrInvalidToken
	case !now.Before(t.ExpiresAt):
		return ErrTokenExpired
	case t.IPAddress != p.IP:
		m.recordEvent(ctx, t, domain.EventIPMismatch, domain.SeverityHigh, p.IP,
			map[string]string{"bound_ip": t.IPAddress})
		return ErrIPMismatch
	case t.HWIDHash != p.HWIDHash:
		m.recordEvent(ctx, t, domain.EventHWIDMismatch, domain.SeverityHigh, p.IP, nil)
		return ErrInvalidToken
	}
	// Usable and matching, so another caller consumed it in between.
	return ErrInvalidToken
}

func (m *Manager) recordEvent(ctx context.Context, t *domain.RotatingToken, eventType string, sev domain.Severity, ip string, details map[string]string) {
	keyID := t.KeyID
	event := &domain.SecurityEvent{
		EventType: eventType,
		Severity:  sev,
		IPAddress: ip,
		ScriptID:  t.ScriptID,
		KeyID:     &keyID,
		Details:   details,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.RecordEvent(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to record security event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}
	m.logger.WarnContext(ctx, "Security event recorded",
		slog.String("event_type", eventType),
		slog.String("severity", string(sev)),
		slog.String("ip_address", ip),
		slog.String("script_id", t.ScriptID))
}

// Prune deletes tokens that expired before now.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	return m.store.DeleteExpiredTokens(ctx, m.clock.Now())
}
