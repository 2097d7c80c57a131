package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateSecretBox_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "secrets", "key")

	box1, err := LoadOrCreateSecretBox(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateSecretBox() error = %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %v, want 0600", perm)
	}

	box2, err := LoadOrCreateSecretBox(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateSecretBox() second load error = %v", err)
	}

	ciphertext, err := box1.Encrypt("sk-test-secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	plaintext, err := box2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() with reloaded key error = %v", err)
	}
	if plaintext != "sk-test-secret" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "sk-test-secret")
	}
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box, err := LoadOrCreateSecretBox(filepath.Join(t.TempDir(), "key"))
	if err != nil {
		t.Fatalf("LoadOrCreateSecretBox() error = %v", err)
	}

	ciphertext, err := box.Encrypt("hello world")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == "hello world" {
		t.Fatal("Encrypt() returned plaintext unchanged")
	}

	plaintext, err := box.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "hello world" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "hello world")
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", ""},
		{"abc", "****"},
		{"sk-ant-1234567890", "****7890"},
	}
	for _, tt := range tests {
		if got := Redact(tt.value); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.value, got, tt.want)
		}
	}
}
