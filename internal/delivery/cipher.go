package delivery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/pbkdf2"

	"scriptgate/internal/config"
	"scriptgate/pkg/contracts/domain"
)

// AES-GCM envelope layout: salt | iv | ciphertext | tag
const (
	saltSize = 16
	ivSize   = 12
	tagSize  = 16
	aesKey   = 32
)

var (
	ErrEmptyKey      = errors.New("delivery: empty derived key")
	ErrShortEnvelope = errors.New("delivery: envelope too short")
)

// DeriveKey is the per-delivery key material shared with the loader: the
// token, the device id and the server timestamp in decimal, concatenated.
func DeriveKey(token, hwid string, serverTS int64) string {
	return token + hwid + strconv.FormatInt(serverTS, 10)
}

// Cipher encrypts a payload under derived key material.
type Cipher interface {
	Mode() domain.CipherMode
	Encrypt(plaintext []byte, key string) ([]byte, error)
	Decrypt(ciphertext []byte, key string) ([]byte, error)
}

// NewCipher returns the strategy for mode.
func NewCipher(mode domain.CipherMode, iterations int) (Cipher, error) {
	switch mode {
	case domain.CipherXOR:
		return XORCipher{}, nil
	case domain.CipherAESGCM:
		if iterations <= 0 {
			iterations = config.PBKDF2Iterations
		}
		return AESGCMCipher{Iterations: iterations}, nil
	}
	return nil, fmt.Errorf("delivery: unknown cipher mode %q", mode)
}

// XORCipher is the legacy byte-wise stream: every payload byte is XORed
// with the key material repeated.
type XORCipher struct{}

// Mode implements Cipher
func (XORCipher) Mode() domain.CipherMode { return domain.CipherXOR }

// Encrypt implements Cipher
func (XORCipher) Encrypt(plaintext []byte, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[i] = b ^ key[i%len(key)]
	}
	return out, nil
}

// Decrypt implements Cipher
func (c XORCipher) Decrypt(ciphertext []byte, key string) ([]byte, error) {
	return c.Encrypt(ciphertext, key)
}

// AESGCMCipher stretches the key material with PBKDF2-HMAC-SHA256 over a
// random salt and seals the payload with AES-256-GCM under a random IV.
type AESGCMCipher struct {
	Iterations int
}

// Mode implements Cipher
func (AESGCMCipher) Mode() domain.CipherMode { return domain.CipherAESGCM }

func (c AESGCMCipher) aead(key string, salt []byte) (cipher.AEAD, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	k := pbkdf2.Key([]byte(key), salt, c.Iterations, aesKey, sha256.New)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("delivery: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("delivery: gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt implements Cipher
func (c AESGCMCipher) Encrypt(plaintext []byte, key string) ([]byte, error) {
	head := make([]byte, saltSize+ivSize, saltSize+ivSize+len(plaintext)+tagSize)
	if _, err := rand.Read(head); err != nil {
		return nil, fmt.Errorf("delivery: random: %w", err)
	}
	gcm, err := c.aead(key, head[:saltSize])
	if err != nil {
		return nil, err
	}
	return gcm.Seal(head, head[saltSize:], plaintext, nil), nil
}

// Decrypt implements Cipher
func (c AESGCMCipher) Decrypt(envelope []byte, key string) ([]byte, error) {
	if len(envelope) < saltSize+ivSize+tagSize {
		return nil, ErrShortEnvelope
	}
	gcm, err := c.aead(key, envelope[:saltSize])
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, envelope[saltSize:saltSize+ivSize], envelope[saltSize+ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("delivery: open envelope: %w", err)
	}
	return plain, nil
}
