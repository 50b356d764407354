package delivery

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

var watermarkDomain = []byte("scriptgate/watermark/v1")

// Watermarker encodes "keyID:serverTS" markers into artifacts. The marker is
// XORed with a BLAKE3 keyed stream so it cannot be read or forged without
// the server's watermark secret.
type Watermarker struct {
	key [32]byte
}

// NewWatermarker derives the mask key from secret.
func NewWatermarker(secret string) *Watermarker {
	return &Watermarker{key: blake3.Sum256([]byte(secret))}
}

func (w *Watermarker) mask(n int) []byte {
	hasher, err := blake3.NewKeyed(w.key[:])
	if err != nil {
		panic("delivery: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(watermarkDomain)
	out := make([]byte, n)
	if _, err := io.ReadFull(hasher.Digest(), out); err != nil {
		panic("delivery: BLAKE3 output stream failed: " + err.Error())
	}
	return out
}

// Encode returns the hex marker for a delivery.
func (w *Watermarker) Encode(keyID string, serverTS int64) string {
	plain := []byte(keyID + ":" + strconv.FormatInt(serverTS, 10))
	m := w.mask(len(plain))
	for i := range plain {
		plain[i] ^= m[i]
	}
	return hex.EncodeToString(plain)
}

// Decode recovers the key id and server timestamp from a marker.
func (w *Watermarker) Decode(marker string) (keyID string, serverTS int64, err error) {
	raw, err := hex.DecodeString(marker)
	if err != nil {
		return "", 0, fmt.Errorf("delivery: watermark hex: %w", err)
	}
	m := w.mask(len(raw))
	for i := range raw {
		raw[i] ^= m[i]
	}
	s := string(raw)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, errors.New("delivery: watermark malformed")
	}
	serverTS, err = strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("delivery: watermark timestamp: %w", err)
	}
	return s[:i], serverTS, nil
}
