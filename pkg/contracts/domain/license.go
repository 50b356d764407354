// Package domain contains the records shared by every layer of scriptgate:
// license keys, script secrets, rotating tokens, challenges, security events
// and delivery nodes.
package domain

import (
	"time"
)

// LicenseKey is a key issued for one script. HWID holds the hash of the
// first device that used the key when HWID locking is enabled.
type LicenseKey struct {
	ID             string     `json:"id" db:"id"`
	ScriptID       string     `json:"script_id" db:"script_id"`
	Value          string     `json:"-" db:"key_value"`
	HWID           *string    `json:"-" db:"hwid"`
	IsBanned       bool       `json:"is_banned" db:"is_banned"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	ExecutionCount int64      `json:"execution_count" db:"execution_count"`
	DiscordID      *string    `json:"discord_id,omitempty" db:"discord_id"`
	Note           string     `json:"note" db:"note"`
	UsedAt         *time.Time `json:"used_at,omitempty" db:"used_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the key has a past expiry at now.
func (k *LicenseKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// HWIDBound reports whether a device hash is bound.
func (k *LicenseKey) HWIDBound() bool {
	return k.HWID != nil && *k.HWID != ""
}

// AuthExpireUnix is the expiry as unix seconds, or -1 for non-expiring keys.
func (k *LicenseKey) AuthExpireUnix() int64 {
	if k.ExpiresAt == nil {
		return -1
	}
	return k.ExpiresAt.Unix()
}

// CipherMode selects the delivery encryption strategy for a script.
type CipherMode string

const (
	CipherXOR    CipherMode = "xor"
	CipherAESGCM CipherMode = "aes-gcm"
)

// Valid reports whether m is a known strategy.
func (m CipherMode) Valid() bool {
	return m == CipherXOR || m == CipherAESGCM
}

// Script holds the per-script switches consulted by the protocol.
type Script struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Version    string     `json:"version" db:"version"`
	HWIDLocked bool       `json:"hwid_locked" db:"hwid_locked"`
	CipherMode CipherMode `json:"cipher_mode" db:"cipher_mode"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// ScriptSecret is the per-script signing material. A script without a
// secret accepts unsigned requests.
type ScriptSecret struct {
	ScriptID            string    `json:"script_id" db:"script_id"`
	HMACKey             string    `json:"-" db:"hmac_key"`
	DerivationConstants [3]string `json:"-" db:"-"`
}

// Payload is the protected script body.
type Payload struct {
	ScriptID  string    `db:"script_id"`
	Body      []byte    `db:"body"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RotatingToken authorizes exactly one delivery. A token with UsedAt set or
// past ExpiresAt never authorizes anything.
type RotatingToken struct {
	Token     string     `json:"-" db:"token"`
	ScriptID  string     `json:"script_id" db:"script_id"`
	KeyID     string     `json:"key_id" db:"key_id"`
	HWIDHash  string     `json:"-" db:"hwid_hash"`
	IPAddress string     `json:"ip_address" db:"ip_address"`
	IssuedAt  time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	IsValid   bool       `json:"is_valid" db:"is_valid"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
}

// Usable reports whether the token could still be consumed at now.
func (t *RotatingToken) Usable(now time.Time) bool {
	return t.IsValid && t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// Challenge is a server-issued nonce bound to the requesting context.
type Challenge struct {
	Nonce      string     `db:"nonce"`
	ScriptID   string     `db:"script_id"`
	ClientHWID string     `db:"client_hwid"`
	IPAddress  string     `db:"ip_address"`
	IssuedAt   time.Time  `db:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
}
