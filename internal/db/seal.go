package db

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const secretKeySetting = "secret_key"

var ErrSealed = errors.New("sealed value cannot be opened with this key")

// Sealer encrypts device access codes at rest.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrSealed
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealed
	}
	return string(plain), nil
}

// sealingKey decodes the configured key, or loads the stored one, creating
// it on first use.
func (s *Store) sealingKey(ctx context.Context, configured string) ([]byte, error) {
	if configured != "" {
		return decodeKey(configured)
	}

	generated := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := s.Settings.SetIfAbsent(ctx, secretKeySetting, hex.EncodeToString(generated), true); err != nil {
		return nil, err
	}

	stored, err := s.Settings.Get(ctx, secretKeySetting)
	if err != nil {
		return nil, err
	}
	return decodeKey(stored.Value)
}

func decodeKey(h string) ([]byte, error) {
	key, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
