package security

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/pkg/contracts/domain"
)

func testSecret() *domain.ScriptSecret {
	return &domain.ScriptSecret{
		ScriptID:            "s1",
		HMACKey:             "super-secret",
		DerivationConstants: [3]string{"alpha", "beta", "gamma"},
	}
}

func testFields() KeycheckFields {
	return KeycheckFields{
		Nonce:      "0123456789abcdef0123456789abcdef",
		Key:        "KEY-123",
		ClientTime: "1772366400",
		HWID:       "HWID-A",
	}
}

func TestKeycheckV2Composition(t *testing.T) {
	f := testFields()
	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte(f.Nonce + "alpha" + f.Key + "beta" + f.ClientTime + "gamma" + f.HWID))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, f.Sign(testSecret()))
	assert.Equal(t, KeycheckV2, f.Version())
}

func TestKeycheckV1Composition(t *testing.T) {
	f := testFields()
	f.Legacy = true
	sum := sha1.Sum([]byte(f.Nonce + "super-secret" + f.Key + "alpha" + f.ClientTime + "beta" + f.HWID + "gamma")) //nolint:gosec
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, f.Sign(testSecret()))
	assert.Equal(t, KeycheckV1, f.Version())
}

func TestDeliverComposition(t *testing.T) {
	f := DeliverFields{Token: "tok", HWID: "hw", ScriptID: "s1"}
	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("tokhws1"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), f.Sign(testSecret()))
}

func flipBit(s string) string {
	b := []byte(s)
	b[len(b)-1] ^= 0x01
	return string(b)
}

func TestVerifySignature_SingleBitSensitivity(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		base := testFields()
		base.Legacy = legacy
		secret := testSecret()
		sig := base.Sign(secret)

		require.Equal(t, VerdictValid, VerifySignature(secret, base, sig))
		require.Equal(t, sig, base.Sign(secret), "deterministic")

		mutations := map[string]func(f *KeycheckFields, s *domain.ScriptSecret){
			"nonce":      func(f *KeycheckFields, _ *domain.ScriptSecret) { f.Nonce = flipBit(f.Nonce) },
			"key":        func(f *KeycheckFields, _ *domain.ScriptSecret) { f.Key = flipBit(f.Key) },
			"clientTime": func(f *KeycheckFields, _ *domain.ScriptSecret) { f.ClientTime = flipBit(f.ClientTime) },
			"hwid":       func(f *KeycheckFields, _ *domain.ScriptSecret) { f.HWID = flipBit(f.HWID) },
			"hmacKey":    func(_ *KeycheckFields, s *domain.ScriptSecret) { s.HMACKey = flipBit(s.HMACKey) },
			"c0":         func(_ *KeycheckFields, s *domain.ScriptSecret) { s.DerivationConstants[0] = flipBit(s.DerivationConstants[0]) },
			"c1":         func(_ *KeycheckFields, s *domain.ScriptSecret) { s.DerivationConstants[1] = flipBit(s.DerivationConstants[1]) },
			"c2":         func(_ *KeycheckFields, s *domain.ScriptSecret) { s.DerivationConstants[2] = flipBit(s.DerivationConstants[2]) },
		}
		for name, mutate := range mutations {
			t.Run(string(base.Version())+"/"+name, func(t *testing.T) {
				f := base
				s := *secret
				mutate(&f, &s)
				assert.Equal(t, VerdictInvalid, VerifySignature(&s, f, sig))
			})
		}

		t.Run(string(base.Version())+"/signature", func(t *testing.T) {
			assert.Equal(t, VerdictInvalid, VerifySignature(secret, base, flipBit(sig)))
		})
	}
}

func TestVerifySignature_VersionsDiffer(t *testing.T) {
	v2 := testFields()
	v1 := testFields()
	v1.Legacy = true
	secret := testSecret()

	assert.NotEqual(t, v2.Sign(secret), v1.Sign(secret))
	assert.Equal(t, VerdictInvalid, VerifySignature(secret, v1, v2.Sign(secret)))
}

func TestVerifySignature_UppercaseHexAccepted(t *testing.T) {
	f := testFields()
	secret := testSecret()
	assert.Equal(t, VerdictValid, VerifySignature(secret, f, strings.ToUpper(f.Sign(secret))))
}

func TestVerifySignature_NoSecretSkips(t *testing.T) {
	v := VerifySignature(nil, testFields(), "")
	assert.Equal(t, VerdictSkipped, v)
	assert.True(t, v.Accepted())
	assert.False(t, VerdictInvalid.Accepted())
	assert.Equal(t, "skipped", v.String())
}

func TestParseKeycheckVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want Version
		ok   bool
	}{
		{"", KeycheckV2, true},
		{"v2", KeycheckV2, true},
		{"keycheck/v1", KeycheckV1, true},
		{"1", KeycheckV1, true},
		{"v3", "", false},
	}
	for _, tt := range tests {
		got, err := ParseKeycheckVersion(tt.raw)
		if !tt.ok {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestResponseSignature(t *testing.T) {
	sum := sha256.Sum256([]byte("nonce" + "secret" + "KEY_VALID"))
	assert.Equal(t, hex.EncodeToString(sum[:]), ResponseSignature("nonce", "secret"))
}

func TestHashHWID(t *testing.T) {
	h := HashHWID("HWID-A")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashHWID("HWID-A"))
	assert.NotEqual(t, h, HashHWID("HWID-B"))
}
