package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// ErrChallengeInvalid is returned when a challenge is unknown, expired,
// already redeemed or issued to another script, device or address.
var ErrChallengeInvalid = errors.New("security: challenge invalid")

const challengeBytes = 16

// RandomHex returns n cryptographically random bytes, hex encoded.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Engine issues and redeems challenges.
type Engine struct {
	store  store.ChallengeStore
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewEngine creates a challenge engine. ttl is clamped to (0, 30s].
func NewEngine(s store.ChallengeStore, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Engine {
	if ttl <= 0 || ttl > config.MaxChallengeTTL {
		ttl = config.MaxChallengeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		clock:  clock.OrSystem(clk),
		ttl:    ttl,
		logger: logger.With(slog.String("component", "challenge_engine")),
	}
}

// TTL is the lifetime of issued challenges.
func (e *Engine) TTL() time.Duration { return e.ttl }

// IssueChallenge persists a fresh 32 hex character nonce bound to the
// requesting script, device and address.
func (e *Engine) IssueChallenge(ctx context.Context, scriptID, hwid, ip string) (*domain.Challenge, error) {
	nonce, err := RandomHex(challengeBytes)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	now := e.clock.Now()
	c := &domain.Challenge{
		Nonce:      nonce,
		ScriptID:   scriptID,
		ClientHWID: hwid,
		IPAddress:  ip,
		IssuedAt:   now,
		ExpiresAt:  now.Add(e.ttl),
	}
	if err := e.store.InsertChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	e.logger.DebugContext(ctx, "Challenge issued",
		slog.String("script_id", scriptID),
		slog.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// RedeemChallenge consumes a challenge. Each nonce redeems at most once,
// and only by the script, device and address it was issued to. A claim
// that does not match leaves the challenge unconsumed.
func (e *Engine) RedeemChallenge(ctx context.Context, claim store.ChallengeClaim) (*domain.Challenge, error) {
	c, err := e.store.ConsumeChallenge(ctx, claim, e.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("redeem challenge: %w", err)
	}
	return c, nil
}

// Prune deletes challenges that expired before now.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	return e.store.DeleteExpiredChallenges(ctx, e.clock.Now())
}
