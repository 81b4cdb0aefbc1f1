package secret

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateKey_CreatesThenReuses(t *testing.T) {
	path := KeyPath(filepath.Join(t.TempDir(), "nested", "casedesk.db"))

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey returned error: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(first))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected key file mode 0600, got %o", perm)
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey returned error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected existing key to be reused")
	}
}

func TestLoadOrCreateKey_RejectsBadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	if _, err := LoadOrCreateKey(path); err == nil {
		t.Fatal("expected error for a malformed key file")
	}
}

func TestLoadOrCreateKey_AcceptsRawKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.key")
	raw := "0123456789abcdef0123456789abcdef"
	if err := os.WriteFile(path, []byte(raw+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey returned error: %v", err)
	}
	if string(key) != raw {
		t.Fatalf("expected raw key, got %q", key)
	}
}

func TestLoadOrCreateKey_AcceptsEncodedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encoded.key")
	want := bytes.Repeat([]byte{0xab}, 32)
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(want)+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	key, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey returned error: %v", err)
	}
	if !bytes.Equal(key, want) {
		t.Fatalf("expected decoded key, got %q", key)
	}
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}
	return c
}

func TestCipher_SealOpen(t *testing.T) {
	c := newTestCipher(t)
	plain := "postgres://app:secret@db:5432/cases"

	sealed, err := c.Seal(plain)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "secret") {
		t.Fatalf("expected sealed value, got %q", sealed)
	}

	again, err := c.Seal(plain)
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if again == sealed {
		t.Fatal("expected a fresh nonce per seal")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if opened != plain {
		t.Fatalf("expected %q, got %q", plain, opened)
	}

	if resealed, _ := c.Seal(sealed); resealed != sealed {
		t.Fatal("expected sealing a sealed value to be a no-op")
	}
}

func TestCipher_OpenRejectsTamperingAndForeignKeys(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal("sqlite:///tmp/cases.db")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	other, err := NewCipher(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Fatal("expected a different key to fail")
	}

	if _, err := c.Open(SealedPrefix + "AAAA"); err == nil {
		t.Fatal("expected a truncated value to fail")
	}
	if _, err := c.Open("sqlite:///tmp/cases.db"); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
}

func TestCipher_Reveal(t *testing.T) {
	c := newTestCipher(t)

	plain, err := c.Reveal("mysql://app@tcp(db)/cases")
	if err != nil || plain != "mysql://app@tcp(db)/cases" {
		t.Fatalf("expected plain value passed through, got %q, %v", plain, err)
	}

	sealed, _ := c.Seal("mysql://app@tcp(db)/cases")
	revealed, err := c.Reveal(sealed)
	if err != nil || revealed != "mysql://app@tcp(db)/cases" {
		t.Fatalf("expected sealed value opened, got %q, %v", revealed, err)
	}
}

func TestNewCipher_RejectsBadKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatal("expected error for a short key")
	}
}
