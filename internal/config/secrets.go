package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const secretKeySize = 32

// SecretBox encrypts and decrypts Config Registry secret values at rest
// using a symmetric key stored in a local, owner-only-readable file.
type SecretBox struct {
	key [secretKeySize]byte
}

// LoadOrCreateSecretBox reads the encryption key at keyPath, generating and
// persisting a new random key on first run. The key file is created with
// 0600 permissions and is never logged.
func LoadOrCreateSecretBox(keyPath string) (*SecretBox, error) {
	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		key, decodeErr := base64.StdEncoding.DecodeString(string(data))
		if decodeErr != nil || len(key) != secretKeySize {
			return nil, fmt.Errorf("secret key file %s is malformed", keyPath)
		}
		box := &SecretBox{}
		copy(box.key[:], key)
		return box, nil

	case os.IsNotExist(err):
		box := &SecretBox{}
		if _, randErr := rand.Read(box.key[:]); randErr != nil {
			return nil, fmt.Errorf("generate secret key: %w", randErr)
		}
		if mkErr := os.MkdirAll(filepath.Dir(keyPath), 0700); mkErr != nil {
			return nil, fmt.Errorf("create secret key directory: %w", mkErr)
		}
		encoded := base64.StdEncoding.EncodeToString(box.key[:])
		if writeErr := os.WriteFile(keyPath, []byte(encoded), 0600); writeErr != nil {
			return nil, fmt.Errorf("write secret key: %w", writeErr)
		}
		return box, nil

	default:
		return nil, fmt.Errorf("read secret key %s: %w", keyPath, err)
	}
}

// Encrypt seals plaintext, returning a base64-encoded nonce+ciphertext.
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *SecretBox) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(data) < 24 {
		return "", fmt.Errorf("secret value too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])

	opened, ok := secretbox.Open(nil, data[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("decrypt secret: authentication failed")
	}
	return string(opened), nil
}

// Redact returns a display-safe placeholder for a secret value, used when
// the Config Registry surfaces a secret-typed key for display rather than
// internal consumption.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}
