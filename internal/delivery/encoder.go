// Package delivery turns a protected payload into what a loader receives:
// either a self-decoding artifact or an ordered sequence of encrypted
// chunks for the persistent channel. Every delivery is encrypted under
// material derived from its token, device and server timestamp, and carries
// a watermark identifying the key it was issued to.
package delivery

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"log/slog"
	"text/template"

	"scriptgate/internal/clock"
	"scriptgate/internal/config"
	"scriptgate/pkg/contracts/domain"
)

//go:embed templates/loader.lua.tmpl
var templatesFS embed.FS

// Options configures an Encoder.
type Options struct {
	DefaultMode     domain.CipherMode
	Iterations      int
	ChunkSize       int
	WatermarkSecret string
}

// OptionsFromConfig maps the delivery and security config sections.
func OptionsFromConfig(d config.DeliveryConfig, s config.SecurityConfig) Options {
	return Options{
		DefaultMode:     domain.CipherMode(d.DefaultMode),
		Iterations:      d.PBKDF2Iterations,
		ChunkSize:       d.ChunkSize,
		WatermarkSecret: s.WatermarkSecret,
	}
}

// Request identifies one delivery.
type Request struct {
	Script *domain.Script
	KeyID  string
	Token  string
	HWID   string
}

// Artifact is a self-decoding loader script.
type Artifact struct {
	Body      []byte
	Mode      domain.CipherMode
	ServerTS  int64
	Watermark string
}

// ChunkSet is an encrypted payload split for ordered streaming. The chunks
// concatenate to one ciphertext; PayloadSize is the decrypted length.
type ChunkSet struct {
	Chunks      [][]byte
	DerivedKey  string
	PayloadSize int
	Mode        domain.CipherMode
	ServerTS    int64
	Watermark   string
}

// Encoder produces deliveries.
type Encoder struct {
	payloads  *PayloadCache
	watermark *Watermarker
	tmpl      *template.Template
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
}

// NewEncoder creates an encoder reading payloads through cache.
func NewEncoder(cache *PayloadCache, opts Options, clk clock.Clock, logger *slog.Logger) (*Encoder, error) {
	if !opts.DefaultMode.Valid() {
		opts.DefaultMode = domain.CipherXOR
	}
	if opts.Iterations <= 0 {
		opts.Iterations = config.PBKDF2Iterations
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 16 * 1024
	}
	tmpl, err := template.ParseFS(templatesFS, "templates/loader.lua.tmpl")
	if err != nil {
		return nil, fmt.Errorf("delivery: parse loader template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{
		payloads:  cache,
		watermark: NewWatermarker(opts.WatermarkSecret),
		tmpl:      tmpl,
		opts:      opts,
		clock:     clock.OrSystem(clk),
		logger:    logger.With(slog.String("component", "delivery_encoder")),
	}, nil
}

// Payload loads the payload of scriptID. It fails with ErrPayloadNotFound
// before anything about the delivery has been committed.
func (e *Encoder) Payload(ctx context.Context, scriptID string) (*domain.Payload, error) {
	return e.payloads.Get(ctx, scriptID)
}

// ModeFor returns the script's cipher mode, or the default.
func (e *Encoder) ModeFor(script *domain.Script) domain.CipherMode {
	if script != nil && script.CipherMode.Valid() {
		return script.CipherMode
	}
	return e.opts.DefaultMode
}

// Watermarker exposes the marker codec for forensics.
func (e *Encoder) Watermarker() *Watermarker { return e.watermark }

func (e *Encoder) seal(req Request, ts int64, plaintext []byte) ([]byte, domain.CipherMode, string, error) {
	mode := e.ModeFor(req.Script)
	c, err := NewCipher(mode, e.opts.Iterations)
	if err != nil {
		return nil, "", "", err
	}
	key := DeriveKey(req.Token, req.HWID, ts)
	ct, err := c.Encrypt(plaintext, key)
	if err != nil {
		return nil, "", "", err
	}
	return ct, mode, key, nil
}

// Encode builds the self-decoding artifact.
func (e *Encoder) Encode(ctx context.Context, payload *domain.Payload, req Request) (*Artifact, error) {
	ts := e.clock.Now().Unix()
	ct, mode, _, err := e.seal(req, ts, payload.Body)
	if err != nil {
		return nil, err
	}
	wm := e.watermark.Encode(req.KeyID, ts)

	var buf bytes.Buffer
	err = e.tmpl.ExecuteTemplate(&buf, "loader.lua.tmpl", map[string]interface{}{
		"Mode":       string(mode),
		"Watermark":  wm,
		"ServerTS":   ts,
		"Data":       base64.StdEncoding.EncodeToString(ct),
		"Iterations": e.opts.Iterations,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: render artifact: %w", err)
	}
	e.logger.DebugContext(ctx, "Artifact encoded",
		slog.String("script_id", payload.ScriptID),
		slog.String("mode", string(mode)),
		slog.Int("size", buf.Len()))
	return &Artifact{Body: buf.Bytes(), Mode: mode, ServerTS: ts, Watermark: wm}, nil
}

// EncodeChunks encrypts the watermarked payload and splits the ciphertext
// into ChunkSize pieces.
func (e *Encoder) EncodeChunks(ctx context.Context, payload *domain.Payload, req Request) (*ChunkSet, error) {
	ts := e.clock.Now().Unix()
	wm := e.watermark.Encode(req.KeyID, ts)
	plaintext := make([]byte, 0, len(wm)+7+len(payload.Body))
	plaintext = append(plaintext, "-- wm:"+wm+"\n"...)
	plaintext = append(plaintext, payload.Body...)

	ct, mode, key, err := e.seal(req, ts, plaintext)
	if err != nil {
		return nil, err
	}
	chunks := split(ct, e.opts.ChunkSize)
	e.logger.DebugContext(ctx, "Chunks encoded",
		slog.String("script_id", payload.ScriptID),
		slog.String("mode", string(mode)),
		slog.Int("chunks", len(chunks)))
	return &ChunkSet{
		Chunks:      chunks,
		DerivedKey:  key,
		PayloadSize: len(plaintext),
		Mode:        mode,
		ServerTS:    ts,
		Watermark:   wm,
	}, nil
}

func split(b []byte, size int) [][]byte {
	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > size {
		chunks = append(chunks, b[:size:size])
		b = b[size:]
	}
	if len(b) > 0 {
		chunks = append(chunks, b)
	}
	return chunks
}
