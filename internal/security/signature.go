package security

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // keycheck/v1 is a legacy wire format
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"scriptgate/pkg/contracts/domain"
)

// Version names a signature composition.
type Version string

const (
	KeycheckV2 Version = "keycheck/v2"
	KeycheckV1 Version = "keycheck/v1"
	DeliverV1  Version = "deliver/v1"
)

// ParseKeycheckVersion maps the X-Signature-Version header to a keycheck
// composition. Empty selects v2.
func ParseKeycheckVersion(raw string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "2", "v2", string(KeycheckV2):
		return KeycheckV2, nil
	case "1", "v1", string(KeycheckV1):
		return KeycheckV1, nil
	}
	return "", fmt.Errorf("unknown keycheck signature version %q", raw)
}

// Composition is a signable set of request fields.
type Composition interface {
	Version() Version
	Sign(secret *domain.ScriptSecret) string
}

// KeycheckFields are signed by the loader on /keycheck.
type KeycheckFields struct {
	Legacy     bool
	Nonce      string
	Key        string
	ClientTime string
	HWID       string
}

// Version implements Composition
func (f KeycheckFields) Version() Version {
	if f.Legacy {
		return KeycheckV1
	}
	return KeycheckV2
}

// Sign implements Composition
func (f KeycheckFields) Sign(secret *domain.ScriptSecret) string {
	c := secret.DerivationConstants
	if f.Legacy {
		return digest(sha1.New(), f.Nonce, secret.HMACKey, f.Key, c[0], f.ClientTime, c[1], f.HWID, c[2])
	}
	return digest(hmac.New(sha256.New, []byte(secret.HMACKey)), f.Nonce, c[0], f.Key, c[1], f.ClientTime, c[2], f.HWID)
}

// DeliverFields are signed by the loader on /deliver.
type DeliverFields struct {
	Token    string
	HWID     string
	ScriptID string
}

// Version implements Composition
func (DeliverFields) Version() Version { return DeliverV1 }

// Sign implements Composition
func (f DeliverFields) Sign(secret *domain.ScriptSecret) string {
	return digest(hmac.New(sha256.New, []byte(secret.HMACKey)), f.Token, f.HWID, f.ScriptID)
}

func digest(h hash.Hash, parts ...string) string {
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verdict is the outcome of a signature check.
type Verdict uint8

const (
	VerdictInvalid Verdict = iota
	VerdictValid
	// VerdictSkipped means the script has no secret and accepts unsigned
	// requests.
	VerdictSkipped
)

// Accepted reports whether the request may proceed.
func (v Verdict) Accepted() bool { return v != VerdictInvalid }

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictSkipped:
		return "skipped"
	case VerdictInvalid:
		return "invalid"
	}
	return "unknown"
}

// VerifySignature checks provided against the composition signed with
// secret. A nil secret skips the check.
func VerifySignature(secret *domain.ScriptSecret, c Composition, provided string) Verdict {
	if secret == nil {
		return VerdictSkipped
	}
	expected := c.Sign(secret)
	if ConstantTimeEqual(expected, strings.ToLower(provided)) {
		return VerdictValid
	}
	return VerdictInvalid
}

// ConstantTimeEqual compares two strings without leaking the position of
// the first difference.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ResponseSignature signs a KEY_VALID answer so the loader can check that
// it talks to the real server. Loaders may ignore it.
func ResponseSignature(nonce, hmacKey string) string {
	return digest(sha256.New(), nonce, hmacKey, "KEY_VALID")
}

// HashHWID is the stored form of a hardware id.
func HashHWID(hwid string) string {
	sum := sha256.Sum256([]byte(hwid))
	return hex.EncodeToString(sum[:])
}
