package services

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	"scriptgate/internal/delivery"
	"scriptgate/internal/license"
	"scriptgate/internal/nodes"
	"scriptgate/internal/security"
	"scriptgate/internal/store"
	"scriptgate/internal/token"
	"scriptgate/pkg/contracts/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	clientIP = "203.0.113.7"
	hwidA    = "HWID-A"
	nonce16  = "0123456789abcdef"
)

var testSecret = &domain.ScriptSecret{
	ScriptID:            "s1",
	HMACKey:             "hmac-secret",
	DerivationConstants: [3]string{"c0", "c1", "c2"},
}

type harness struct {
	clk    *clock.Fake
	mem    *store.Memory
	guard  *abuse.Guard
	router *nodes.Router
	svc    *ProtocolService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)
	logger := discardLogger()

	mem := store.NewMemory()
	mem.PutScript(&domain.Script{ID: "s1", Name: "demo", Version: "2.1.0", HWIDLocked: true, CipherMode: domain.CipherXOR})
	mem.PutScript(&domain.Script{ID: "s2", Name: "open", Version: "1.0.0", CipherMode: domain.CipherAESGCM})
	mem.PutSecret(testSecret)
	mem.PutPayload(&domain.Payload{ScriptID: "s1", Body: []byte("print('hello')")})
	mem.PutPayload(&domain.Payload{ScriptID: "s2", Body: []byte("print('open')")})
	require.NoError(t, mem.CreateKey(ctx, &domain.LicenseKey{ID: "k1", ScriptID: "s1", Value: "KEY-AAAA-1111", Note: "vip", CreatedAt: t0}))
	require.NoError(t, mem.CreateKey(ctx, &domain.LicenseKey{ID: "k2", ScriptID: "s2", Value: "KEY-BBBB-2222", CreatedAt: t0}))

	guard := abuse.NewGuard(abuse.NewMemoryStore(4, clk), config.AbuseConfig{}, clk, logger)
	router := nodes.NewRouter(nodes.FromConfig(config.DefaultNodes()), "us-east", logger)
	enc, err := delivery.NewEncoder(delivery.NewPayloadCache(mem, 8, time.Minute), delivery.Options{
		DefaultMode:     domain.CipherXOR,
		Iterations:      1000,
		ChunkSize:       8,
		WatermarkSecret: "wm-secret",
	}, clk, logger)
	require.NoError(t, err)
	tickets, err := NewTicketIssuer("ticket-secret", clk)
	require.NoError(t, err)

	svc := NewProtocolService(Deps{
		Store:      mem,
		Guard:      guard,
		Challenges: security.NewEngine(mem, 30*time.Second, clk, logger),
		Tokens:     token.NewManager(mem, 60*time.Second, clk, logger),
		Keys:       license.NewResolver(mem, clk, logger),
		Encoder:    enc,
		Nodes:      router,
		Tickets:    tickets,
		Clock:      clk,
		Region:     "us-east",
		Logger:     logger,
	})
	return &harness{clk: clk, mem: mem, guard: guard, router: router, svc: svc}
}

// keycheck builds a correctly signed v2 request for s1.
func (h *harness) keycheck(key, hwid string) KeyCheckRequest {
	ts := strconv.FormatInt(h.clk.Now().Unix(), 10)
	req := KeyCheckRequest{
		ScriptID:   "s1",
		Key:        key,
		ClientTime: ts,
		Nonce:      nonce16,
		HWID:       hwid,
		ClientID:   clientIP,
	}
	req.Signature = security.KeycheckFields{Nonce: req.Nonce, Key: key, ClientTime: ts, HWID: hwid}.Sign(testSecret)
	return req
}

// issueToken runs a valid keycheck and returns the delivery token.
func (h *harness) issueToken(t *testing.T) string {
	t.Helper()
	resp, err := h.svc.KeyCheck(context.Background(), h.keycheck("KEY-AAAA-1111", hwidA))
	require.NoError(t, err)
	return resp.Token
}

func (h *harness) deliverRequest(tok string) DeliverRequest {
	return DeliverRequest{
		ScriptID: "s1",
		Token:    tok,
		HWID:     hwidA,
		HMAC:     security.DeliverFields{Token: tok, HWID: hwidA, ScriptID: "s1"}.Sign(testSecret),
		ClientID: clientIP,
	}
}

func countEvents(mem *store.Memory, eventType string) int {
	n := 0
	for _, e := range mem.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
