package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptgate/internal/clock"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeriveKey(t *testing.T) {
	assert.Equal(t, "tokhwid1772366400", DeriveKey("tok", "hwid", 1772366400))
}

func TestCiphersRoundTrip(t *testing.T) {
	plain := []byte("print('protected')")
	for _, mode := range []domain.CipherMode{domain.CipherXOR, domain.CipherAESGCM} {
		t.Run(string(mode), func(t *testing.T) {
			c, err := NewCipher(mode, 1000)
			require.NoError(t, err)
			assert.Equal(t, mode, c.Mode())

			ct, err := c.Encrypt(plain, "derived-key")
			require.NoError(t, err)
			assert.NotEqual(t, plain, ct)

			got, err := c.Decrypt(ct, "derived-key")
			require.NoError(t, err)
			assert.Equal(t, plain, got)

			_, err = c.Encrypt(plain, "")
			assert.ErrorIs(t, err, ErrEmptyKey)
		})
	}

	_, err := NewCipher("rot13", 0)
	assert.Error(t, err)
}

func TestXORCipherIsLegacyStream(t *testing.T) {
	ct, err := XORCipher{}.Encrypt([]byte{0x00, 0x01, 0x02}, "AB")
	require.NoError(t, err)
	assert.Equal(t, []byte{'A', 'B' ^ 0x01, 'A' ^ 0x02}, ct)
}

func TestAESGCMEnvelope(t *testing.T) {
	c := AESGCMCipher{Iterations: 1000}
	plain := []byte("payload")

	a, err := c.Encrypt(plain, "k")
	require.NoError(t, err)
	b, err := c.Encrypt(plain, "k")
	require.NoError(t, err)

	assert.Len(t, a, saltSize+ivSize+len(plain)+tagSize)
	assert.NotEqual(t, a[:saltSize], b[:saltSize], "fresh salt per delivery")

	_, err = c.Decrypt(a, "wrong")
	assert.Error(t, err)

	tampered := bytes.Clone(a)
	tampered[len(tampered)-1] ^= 1
	_, err = c.Decrypt(tampered, "k")
	assert.Error(t, err)

	_, err = c.Decrypt(a[:10], "k")
	assert.ErrorIs(t, err, ErrShortEnvelope)
}

func TestWatermarkRoundTrip(t *testing.T) {
	w := NewWatermarker("wm-secret")
	marker := w.Encode("key:with:colons", 1772366400)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]+$`), marker)
	assert.NotEqual(t, hex.EncodeToString([]byte("key:with:colons:1772366400")), marker)

	id, ts, err := w.Decode(marker)
	require.NoError(t, err)
	assert.Equal(t, "key:with:colons", id)
	assert.Equal(t, int64(1772366400), ts)

	otherID, _, err := NewWatermarker("other").Decode(marker)
	assert.True(t, err != nil || otherID != "key:with:colons", "another secret cannot read the marker")

	_, _, err = w.Decode("zz")
	assert.Error(t, err)
}

type countingSource struct {
	calls atomic.Int32
	inner PayloadSource
}

func (c *countingSource) GetPayload(ctx context.Context, scriptID string) (*domain.Payload, error) {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return c.inner.GetPayload(ctx, scriptID)
}

func TestPayloadCache(t *testing.T) {
	mem := store.NewMemory()
	mem.PutPayload(&domain.Payload{ScriptID: "s1", Body: []byte("body")})
	src := &countingSource{inner: mem}
	cache := NewPayloadCache(src, 8, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.Get(ctx, "s1")
			assert.NoError(t, err)
			assert.Equal(t, []byte("body"), p.Body)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load(), "concurrent misses share one load")

	_, err := cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrPayloadNotFound)
	assert.Equal(t, 1, cache.Len(), "misses are not cached")

	cache.Invalidate("s1")
	_, err = cache.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func newEncoder(t *testing.T, mode domain.CipherMode, chunk int) (*Encoder, *domain.Payload) {
	t.Helper()
	mem := store.NewMemory()
	payload := &domain.Payload{ScriptID: "s1", Body: bytes.Repeat([]byte("print(1)\n"), 10)}
	mem.PutPayload(payload)
	enc, err := NewEncoder(NewPayloadCache(mem, 4, time.Minute), Options{
		DefaultMode:     mode,
		Iterations:      1000,
		ChunkSize:       chunk,
		WatermarkSecret: "wm",
	}, clock.NewFake(t0), nil)
	require.NoError(t, err)
	return enc, payload
}

func TestEncoder_Artifact(t *testing.T) {
	enc, payload := newEncoder(t, domain.CipherXOR, 0)
	req := Request{Script: &domain.Script{ID: "s1"}, KeyID: "k1", Token: "tok", HWID: "hw"}

	art, err := enc.Encode(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CipherXOR, art.Mode)
	assert.Equal(t, t0.Unix(), art.ServerTS)

	body := string(art.Body)
	assert.Contains(t, body, "-- wm:"+art.Watermark)
	assert.Contains(t, body, "bit32.bxor")
	assert.NotContains(t, body, "print(1)", "payload is not embedded in clear")

	m := regexp.MustCompile(`local data = "([^"]+)"`).FindStringSubmatch(body)
	require.Len(t, m, 2)
	ct, err := base64.StdEncoding.DecodeString(m[1])
	require.NoError(t, err)
	plain, err := XORCipher{}.Decrypt(ct, DeriveKey("tok", "hw", t0.Unix()))
	require.NoError(t, err)
	assert.Equal(t, payload.Body, plain)

	id, ts, err := enc.Watermarker().Decode(art.Watermark)
	require.NoError(t, err)
	assert.Equal(t, "k1", id)
	assert.Equal(t, t0.Unix(), ts)
}

func TestEncoder_PerScriptMode(t *testing.T) {
	enc, payload := newEncoder(t, domain.CipherXOR, 0)
	req := Request{Script: &domain.Script{ID: "s1", CipherMode: domain.CipherAESGCM}, KeyID: "k1", Token: "tok", HWID: "hw"}

	art, err := enc.Encode(context.Background(), payload, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CipherAESGCM, art.Mode)
	assert.Contains(t, string(art.Body), "decrypt_aes_gcm")

	assert.Equal(t, domain.CipherXOR, enc.ModeFor(nil))
}

func TestEncoder_Chunks(t *testing.T) {
	for _, mode := range []domain.CipherMode{domain.CipherXOR, domain.CipherAESGCM} {
		t.Run(string(mode), func(t *testing.T) {
			enc, payload := newEncoder(t, mode, 16)
			set, err := enc.EncodeChunks(context.Background(), payload, Request{KeyID: "k1", Token: "tok", HWID: "hw"})
			require.NoError(t, err)

			require.Greater(t, len(set.Chunks), 1)
			for _, c := range set.Chunks[:len(set.Chunks)-1] {
				assert.Len(t, c, 16)
			}
			assert.Equal(t, DeriveKey("tok", "hw", t0.Unix()), set.DerivedKey)

			c, err := NewCipher(mode, 1000)
			require.NoError(t, err)
			plain, err := c.Decrypt(bytes.Join(set.Chunks, nil), set.DerivedKey)
			require.NoError(t, err)
			assert.Len(t, plain, set.PayloadSize)
			assert.True(t, bytes.HasPrefix(plain, []byte("-- wm:"+set.Watermark+"\n")))
			assert.True(t, bytes.HasSuffix(plain, payload.Body))
		})
	}
}

func TestEncoder_PayloadNotFound(t *testing.T) {
	enc, _ := newEncoder(t, domain.CipherXOR, 0)
	_, err := enc.Payload(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPayloadNotFound)
}

func TestEncoder_LogsCarryTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := infrastructure.NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	mem := store.NewMemory()
	payload := &domain.Payload{ScriptID: "s1", Body: []byte("print(1)")}
	mem.PutPayload(payload)
	enc, err := NewEncoder(NewPayloadCache(mem, 4, time.Minute), Options{
		DefaultMode:     domain.CipherXOR,
		Iterations:      1000,
		ChunkSize:       4,
		WatermarkSecret: "wm",
	}, clock.NewFake(t0), logger)
	require.NoError(t, err)

	ctx := infrastructure.WithTraceID(context.Background(), "trace-encode")
	req := Request{Script: &domain.Script{ID: "s1"}, KeyID: "k1", Token: "tok", HWID: "hw"}
	_, err = enc.Encode(ctx, payload, req)
	require.NoError(t, err)
	_, err = enc.EncodeChunks(ctx, payload, req)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Artifact encoded")
	assert.Contains(t, out, "Chunks encoded")
	assert.Equal(t, 2, strings.Count(out, `"trace_id":"trace-encode"`))
	assert.NotContains(t, out, `"hwid"`)
}
