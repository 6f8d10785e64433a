// Package security mints the opaque access keys handed out with attachments
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrInvalidKey = errors.New("invalid access key")

const keyInfo = "attachments access key v1"

// Encrypter seals small JSON documents into URL safe tokens and opens them
// again. Tokens can't be read or altered without the app key.
type Encrypter struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func NewEncrypter(appKey string) (*Encrypter, error) {
	if len(appKey) < 16 {
		return nil, errors.New("app key must be at least 16 characters long")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(appKey), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key, %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher, %w", err)
	}
	return &Encrypter{aead: aead}, nil
}

// Encrypt marshals v to JSON and seals it.
func (e *Encrypter) Encrypt(v any) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal access key payload, %w", err)
	}

	nonce, err := genRandByt(e.aead.NonceSize())
	if err != nil {
		return "", err
	}

	sealed := e.aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt and unmarshals it into v.
func (e *Encrypter) Decrypt(token string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) < e.aead.NonceSize() {
		return ErrInvalidKey
	}

	nonce, sealed := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ErrInvalidKey
	}

	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

func genRandByt(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}

	return b, nil
}
