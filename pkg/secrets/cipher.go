// Package secrets seals installation shared secrets before they are written to
// the database. Sealed values are XChaCha20-Poly1305 ciphertexts under a key
// derived from the operator supplied storage secret with HKDF-SHA256.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedVersion byte = 0x01

var hkdfInfo = []byte("gitjira.installation.shared_secret.v1")

// ErrMalformed is returned when a sealed value cannot be decoded.
var ErrMalformed = errors.New("secrets: malformed sealed value")

// Cipher seals and opens short secrets.
type Cipher struct {
	key []byte
}

// NewCipher derives the sealing key from storageSecret.
func NewCipher(storageSecret string) (*Cipher, error) {
	if storageSecret == "" {
		return nil, errors.New("secrets: storage secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	reader := hkdf.New(sha256.New, []byte(storageSecret), nil, hkdfInfo)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Seal encrypts plaintext and returns a base64 string safe for a text column.
func (c *Cipher) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, sealedVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte{sealedVersion})
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || raw[0] != sealedVersion {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := raw[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[1+chacha20poly1305.NonceSizeX:], raw[:1])
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}
