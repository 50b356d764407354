// Package store defines the record store boundary of scriptgate. The
// protocol only reads and writes keys, script secrets, payloads, tokens,
// challenges and audit events. Conditional updates are the unit of
// atomicity: every state transition is a single compare-and-swap.
package store

import (
	"context"
	"errors"
	"time"

	"scriptgate/pkg/contracts/domain"
)

var (
	// ErrNotFound is returned when a record does not exist, or when a
	// conditional update matched no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when inserting a record whose key exists.
	ErrConflict = errors.New("store: conflict")
)

// KeyStore holds license keys.
type KeyStore interface {
	GetKey(ctx context.Context, scriptID, value string) (*domain.LicenseKey, error)
	GetKeyByID(ctx context.Context, id string) (*domain.LicenseKey, error)
	CreateKey(ctx context.Context, key *domain.LicenseKey) error
	// BindHWID sets the hwid hash only while none is bound.
	// It reports false when another binding won.
	BindHWID(ctx context.Context, keyID, hwidHash string) (bool, error)
	ResetHWID(ctx context.Context, keyID string) error
	// RecordUse increments execution_count and stamps used_at when the key
	// is still not banned, unexpired at now, and bound to hwidHash (or
	// unbound when hwidHash is empty). ErrNotFound means the predicate failed.
	RecordUse(ctx context.Context, keyID, hwidHash string, now time.Time) (int64, error)
	// ExtendExpiry moves expires_at from from to until. ErrNotFound means
	// the key is gone or its expiry no longer equals from.
	ExtendExpiry(ctx context.Context, keyID string, from, until time.Time) error
}

// ScriptStore holds per-script configuration, secrets and payloads.
type ScriptStore interface {
	GetScript(ctx context.Context, id string) (*domain.Script, error)
	// GetSecret returns ErrNotFound when the script has no signing secret.
	GetSecret(ctx context.Context, scriptID string) (*domain.ScriptSecret, error)
	GetPayload(ctx context.Context, scriptID string) (*domain.Payload, error)
}

// ConsumeParams is the predicate of a token consumption.
type ConsumeParams struct {
	Token     string
	ScriptID  string
	IPAddress string
	HWIDHash  string
	Now       time.Time
}

// TokenStore holds rotating tokens.
type TokenStore interface {
	InsertToken(ctx context.Context, token *domain.RotatingToken) error
	GetToken(ctx context.Context, token string) (*domain.RotatingToken, error)
	// ConsumeToken flips a usable token matching every field of p to used,
	// and returns the consumed record. ErrNotFound means nothing matched.
	ConsumeToken(ctx context.Context, p ConsumeParams) (*domain.RotatingToken, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// ChallengeClaim identifies who redeems a challenge. A challenge issued
// with an empty hwid or address matches any value for that field.
type ChallengeClaim struct {
	Nonce    string
	ScriptID string
	HWID     string
	IP       string
}

// Matches reports whether c was issued to the claimant.
func (cl ChallengeClaim) Matches(c *domain.Challenge) bool {
	return c.Nonce == cl.Nonce && c.ScriptID == cl.ScriptID &&
		(c.ClientHWID == "" || c.ClientHWID == cl.HWID) &&
		(c.IPAddress == "" || c.IPAddress == cl.IP)
}

// ChallengeStore holds server challenges.
type ChallengeStore interface {
	InsertChallenge(ctx context.Context, c *domain.Challenge) error
	// ConsumeChallenge marks an unexpired, unconsumed challenge matching
	// claim as consumed. ErrNotFound means nothing matched.
	ConsumeChallenge(ctx context.Context, claim ChallengeClaim, now time.Time) (*domain.Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)
}

// AuditStore appends security events.
type AuditStore interface {
	RecordEvent(ctx context.Context, event *domain.SecurityEvent) error
}

// Store is the full record store.
type Store interface {
	KeyStore
	ScriptStore
	TokenStore
	ChallengeStore
	AuditStore
	Ping(ctx context.Context) error
	Close()
}
