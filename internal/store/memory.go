package store

import (
	"context"
	"sync"
	"time"

	"scriptgate/pkg/contracts/domain"
)

// Memory is an in-process Store. All mutations happen under one mutex, which
// gives the same compare-and-swap semantics as the conditional SQL updates.
type Memory struct {
	mu         sync.Mutex
	keys       map[string]*domain.LicenseKey
	keyIndex   map[string]string // script_id + "\x00" + value -> key id
	scripts    map[string]*domain.Script
	secrets    map[string]*domain.ScriptSecret
	payloads   map[string]*domain.Payload
	tokens     map[string]*domain.RotatingToken
	challenges map[string]*domain.Challenge
	events     []domain.SecurityEvent
	nextEvent  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:       make(map[string]*domain.LicenseKey),
		keyIndex:   make(map[string]string),
		scripts:    make(map[string]*domain.Script),
		secrets:    make(map[string]*domain.ScriptSecret),
		payloads:   make(map[string]*domain.Payload),
		tokens:     make(map[string]*domain.RotatingToken),
		challenges: make(map[string]*domain.Challenge),
	}
}

func keyIndex(scriptID, value string) string {
	return scriptID + "\x00" + value
}

func copyKey(k *domain.LicenseKey) *domain.LicenseKey {
	c := *k
	if k.HWID != nil {
		h := *k.HWID
		c.HWID = &h
	}
	if k.ExpiresAt != nil {
		e := *k.ExpiresAt
		c.ExpiresAt = &e
	}
	if k.UsedAt != nil {
		u := *k.UsedAt
		c.UsedAt = &u
	}
	return &c
}

func copyToken(t *domain.RotatingToken) *domain.RotatingToken {
	c := *t
	if t.UsedAt != nil {
		u := *t.UsedAt
		c.UsedAt = &u
	}
	return &c
}

// GetKey implements KeyStore
func (m *Memory) GetKey(_ context.Context, scriptID, value string) (*domain.LicenseKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keyIndex[keyIndex(scriptID, value)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.keys[id]), nil
}

// GetKeyByID implements KeyStore
func (m *Memory) GetKeyByID(_ context.Context, id string) (*domain.LicenseKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

// CreateKey implements KeyStore
func (m *Memory) CreateKey(_ context.Context, key *domain.LicenseKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := keyIndex(key.ScriptID, key.Value)
	if _, exists := m.keys[key.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.keyIndex[idx]; exists {
		return ErrConflict
	}
	m.keys[key.ID] = copyKey(key)
	m.keyIndex[idx] = key.ID
	return nil
}

// BindHWID implements KeyStore
func (m *Memory) BindHWID(_ context.Context, keyID, hwidHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return false, ErrNotFound
	}
	if k.HWIDBound() {
		return false, nil
	}
	h := hwidHash
	k.HWID = &h
	return true, nil
}

// ResetHWID implements KeyStore
func (m *Memory) ResetHWID(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.HWID = nil
	return nil
}

// RecordUse implements KeyStore
func (m *Memory) RecordUse(_ context.Context, keyID, hwidHash string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok || k.IsBanned || k.Expired(now) {
		return 0, ErrNotFound
	}
	if hwidHash == "" {
		if k.HWIDBound() {
			return 0, ErrNotFound
		}
	} else if !k.HWIDBound() || *k.HWID != hwidHash {
		return 0, ErrNotFound
	}

	k.ExecutionCount++
	used := now
	k.UsedAt = &used
	return k.ExecutionCount, nil
}

// ExtendExpiry implements KeyStore
func (m *Memory) ExtendExpiry(_ context.Context, keyID string, from, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok || k.ExpiresAt == nil || !k.ExpiresAt.Equal(from) {
		return ErrNotFound
	}
	u := until
	k.ExpiresAt = &u
	return nil
}

// SetExpiry overwrites the expiry unconditionally; nil never expires.
// Seeding and tests only.
func (m *Memory) SetExpiry(keyID string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	if at != nil {
		u := *at
		at = &u
	}
	k.ExpiresAt = at
	return nil
}

// SetBanned flips the ban flag. Bans are owned by the dashboard collaborator;
// the memory store exposes this for seeding and tests.
func (m *Memory) SetBanned(keyID string, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	k.IsBanned = banned
	return nil
}

// PutScript stores a script record.
func (m *Memory) PutScript(s *domain.Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.scripts[s.ID] = &c
}

// PutSecret stores a script secret.
func (m *Memory) PutSecret(s *domain.ScriptSecret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.secrets[s.ScriptID] = &c
}

// PutPayload stores a script payload.
func (m *Memory) PutPayload(p *domain.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	c.Body = append([]byte(nil), p.Body...)
	m.payloads[p.ScriptID] = &c
}

// GetScript implements ScriptStore
func (m *Memory) GetScript(_ context.Context, id string) (*domain.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scripts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// GetSecret implements ScriptStore
func (m *Memory) GetSecret(_ context.Context, scriptID string) (*domain.ScriptSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[scriptID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// GetPayload implements ScriptStore
func (m *Memory) GetPayload(_ context.Context, scriptID string) (*domain.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payloads[scriptID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Body = append([]byte(nil), p.Body...)
	return &c, nil
}

// InsertToken implements TokenStore
func (m *Memory) InsertToken(_ context.Context, token *domain.RotatingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[token.Token]; exists {
		return ErrConflict
	}
	m.tokens[token.Token] = copyToken(token)
	return nil
}

// GetToken implements TokenStore
func (m *Memory) GetToken(_ context.Context, token string) (*domain.RotatingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return copyToken(t), nil
}

// ConsumeToken implements TokenStore
func (m *Memory) ConsumeToken(_ context.Context, p ConsumeParams) (*domain.RotatingToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[p.Token]
	if !ok || !t.Usable(p.Now) || t.ScriptID != p.ScriptID || t.IPAddress != p.IPAddress || t.HWIDHash != p.HWIDHash {
		return nil, ErrNotFound
	}

	used := p.Now
	t.IsValid = false
	t.UsedAt = &used
	return copyToken(t), nil
}

// DeleteExpiredTokens implements TokenStore
func (m *Memory) DeleteExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, t := range m.tokens {
		if t.ExpiresAt.Before(before) {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

// InsertChallenge implements ChallengeStore
func (m *Memory) InsertChallenge(_ context.Context, c *domain.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.challenges[c.Nonce]; exists {
		return ErrConflict
	}
	cp := *c
	m.challenges[c.Nonce] = &cp
	return nil
}

// ConsumeChallenge implements ChallengeStore
func (m *Memory) ConsumeChallenge(_ context.Context, claim ChallengeClaim, now time.Time) (*domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[claim.Nonce]
	if !ok || c.ConsumedAt != nil || !claim.Matches(c) || !now.Before(c.ExpiresAt) {
		return nil, ErrNotFound
	}
	consumed := now
	c.ConsumedAt = &consumed
	cp := *c
	return &cp, nil
}

// DeleteExpiredChallenges implements ChallengeStore
func (m *Memory) DeleteExpiredChallenges(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, c := range m.challenges {
		if c.ExpiresAt.Before(before) {
			delete(m.challenges, k)
			n++
		}
	}
	return n, nil
}

// RecordEvent implements AuditStore
func (m *Memory) RecordEvent(_ context.Context, event *domain.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvent++
	e := *event
	e.ID = m.nextEvent
	m.events = append(m.events, e)
	return nil
}

// Events returns a snapshot of recorded security events.
func (m *Memory) Events() []domain.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SecurityEvent(nil), m.events...)
}

// Ping implements Store
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store
func (m *Memory) Close() {}

var _ Store = (*Memory)(nil)
