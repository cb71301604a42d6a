// Package credcodec seals and opens account credentials at rest using a
// single process-wide symmetric key loaded at startup.
package credcodec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrKeyRequired is returned when no master key is configured.
var ErrKeyRequired = errors.New("credcodec: master key is required")

// ErrInvalidToken is returned by Decrypt for any malformed or tampered
// ciphertext. It never distinguishes "bad base64" from "auth failure" to
// callers, so nothing ever leaks about why decryption failed.
var ErrInvalidToken = errors.New("credcodec: invalid or tampered token")

// Codec encrypts and decrypts account credential fields with AEAD.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a 32-byte key. Use NewFromBase64 to load the key
// the way the process boundary specifies: base64-encoded in the
// environment.
func New(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("credcodec: init aead: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewFromBase64 decodes a base64-encoded master key and builds a Codec.
// An empty or malformed key is fatal, matching spec.md's "absence is fatal
// at startup" rule.
func NewFromBase64(encoded string) (*Codec, error) {
	if encoded == "" {
		return nil, ErrKeyRequired
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credcodec: decode master key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credcodec: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// EncryptBytes is a convenience wrapper returning the raw token bytes
// (nonce || ciphertext || tag) suitable for a bytea column, instead of the
// base64 text form Encrypt returns.
func (c *Codec) EncryptBytes(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credcodec: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt. It fails closed: any error returns no
// plaintext at all, never a partial or truncated result.
func (c *Codec) Decrypt(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return c.DecryptBytes(raw)
}

// DecryptBytes reverses EncryptBytes.
func (c *Codec) DecryptBytes(raw []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrInvalidToken
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return plaintext, nil
}
