package testutil

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scriptgate/internal/config"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// The demo catalogue seeded by SeedCatalog.
const (
	ScriptID    = "s1"
	KeyID       = "k1"
	KeyValue    = "KEY-AAAA-1111"
	KeyNote     = "vip"
	PayloadBody = "print('hello')"
)

// Secret returns the signing material of ScriptID.
func Secret() *domain.ScriptSecret {
	return &domain.ScriptSecret{
		ScriptID:            ScriptID,
		HMACKey:             "hmac-secret",
		DerivationConstants: [3]string{"c0", "c1", "c2"},
	}
}

// SeedCatalog stores one HWID-locked XOR script with its secret, payload
// and a lifetime key created at now.
func SeedCatalog(t testing.TB, mem *store.Memory, now time.Time) {
	t.Helper()
	mem.PutScript(&domain.Script{ID: ScriptID, Name: "demo", Version: "2.1.0", HWIDLocked: true, CipherMode: domain.CipherXOR})
	mem.PutSecret(Secret())
	mem.PutPayload(&domain.Payload{ScriptID: ScriptID, Body: []byte(PayloadBody)})
	require.NoError(t, mem.CreateKey(context.Background(), &domain.LicenseKey{
		ID: KeyID, ScriptID: ScriptID, Value: KeyValue, Note: KeyNote, CreatedAt: now,
	}))
}

// SignKeycheck sets the time, nonce, HWID and signature headers a loader
// sends with a key presentation for ScriptID.
func SignKeycheck(req *http.Request, key, hwid, nonce string, at time.Time) {
	ts := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set(config.HeaderClientTime, ts)
	req.Header.Set(config.HeaderClientNonce, nonce)
	req.Header.Set(config.HeaderClientHWID, hwid)
	req.Header.Set(config.HeaderExternalSignature,
		security.KeycheckFields{Nonce: nonce, Key: key, ClientTime: ts, HWID: hwid}.Sign(Secret()))
}
