// Package secret seals connection strings at rest with a per-install key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a value produced by Cipher.Seal
const SealedPrefix = "enc:"

const hkdfInfo = "casedesk connection strings v1"

// ErrNotSealed is returned by Open for values without SealedPrefix
var ErrNotSealed = errors.New("value is not sealed")

// Cipher seals and opens values with AES-256-GCM. The AES key is derived from the
// install key with HKDF-SHA256, so the install key itself is never used directly.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the sealing key from an install key
func NewCipher(installKey []byte) (*Cipher, error) {
	if !isValidKeyLen(len(installKey)) {
		return nil, fmt.Errorf("install key must be 16, 24, or 32 bytes, got %d", len(installKey))
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, installKey, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// IsSealed reports whether value carries SealedPrefix
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts plaintext. Sealing an already sealed value returns it unchanged.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal
func (c *Cipher) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("sealed value too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt sealed value: %w", err)
	}
	return string(plaintext), nil
}

// Reveal opens sealed values and passes plain ones through
func (c *Cipher) Reveal(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return c.Open(value)
}
