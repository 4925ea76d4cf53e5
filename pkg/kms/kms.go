// Package kms manages the deployment secret that protects private keys at
// rest. Ciphertexts are AES-256-GCM sealed: tampering with any byte fails
// authentication on open, never yielding a silent plaintext substitution.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"github.com/axis-ve/AgentVault/pkg/contracts"
)

const keySize = 32

// derivationSalt pins scrypt derivation so a given deployment secret always
// yields the same cipher key across restarts.
var derivationSalt = []byte("agentvault-kms-v1")

// Cipher seals and opens key material under the deployment secret.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("kms: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromSecret builds a Cipher from a deployment secret string. A secret
// that base64-decodes to exactly 32 bytes is used raw; anything else is
// stretched with scrypt so operators may supply passphrase-style secrets.
func NewFromSecret(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("kms: empty secret")
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		return New(raw)
	}
	key, err := scrypt.Key([]byte(secret), derivationSalt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("kms: derive key: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed ciphertext. Authentication failure reports
// decrypt_failed.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, contracts.E(contracts.KindDecryptFailed, "kms.Open", "ciphertext too short")
	}
	nonce, ct := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindDecryptFailed, "kms.Open", err)
	}
	return pt, nil
}

// LoadOrCreateSecret returns the sidecar secret at path, generating a fresh
// random one with 0600 permissions on first start. The caller must prefer an
// explicitly configured secret over the sidecar.
func LoadOrCreateSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := string(data)
		if secret == "" {
			return "", fmt.Errorf("kms: sidecar %s is empty", path)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("kms: read sidecar: %w", err)
	}

	raw := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("kms: generate secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(raw)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("kms: create sidecar dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("kms: write sidecar: %w", err)
	}
	return secret, nil
}
