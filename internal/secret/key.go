package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyPath returns the install key path that sits next to the registry database
func KeyPath(dbPath string) string {
	return dbPath + ".key"
}

// LoadOrCreateKey reads the install key at path, creating a new random key if the
// file does not exist. The key is stored base64 encoded.
func LoadOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := parseKeyFile(data)
		if err != nil {
			return nil, fmt.Errorf("invalid key file %s: %w", path, err)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := generateRandomKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return key, nil
}

// parseKeyFile accepts a raw 16/24/32-byte value or a base64-encoded key. A value that
// already has a key length is taken as raw; generated keys are 44 base64 characters.
func parseKeyFile(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("key file is empty")
	}

	if raw := []byte(trimmed); isValidKeyLen(len(raw)) {
		return raw, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || !isValidKeyLen(len(decoded)) {
		return nil, fmt.Errorf("key must be 16, 24, or 32 bytes raw or when decoded")
	}
	return decoded, nil
}

func isValidKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func generateRandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
