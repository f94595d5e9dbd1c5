package secrets

import (
	"path/filepath"
	"testing"
)

func TestStoreGeneratesAndReusesMasterKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secrets.key")

	s1, err := NewStore(keyPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	s2, err := NewStore(keyPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}

	encoded, err := s1.EncryptToRegistryValue("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decoded, err := s2.DecryptFromRegistryValue(encoded)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decoded != "hunter2" {
		t.Fatalf("got %q, want hunter2", decoded)
	}
}

func TestEncryptedValueNeverContainsPlaintext(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secrets.key")
	s, err := NewStore(keyPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	secret := "supersecretvalue123"
	encoded, err := s.EncryptToRegistryValue(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if containsSubstring(encoded, secret) {
		t.Fatalf("encrypted value leaked plaintext: %s", encoded)
	}
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
