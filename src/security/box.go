package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sb1:"

var (
	ErrOpenFailed = errors.New("security: sealed value could not be opened")
	ErrKeyNotSet  = errors.New("security: API_CREDENTIALS_KEY is not set")
)

// Box seals and opens short secrets with NaCl secretbox. Sealed values are
// "sb1:" + base64(nonce || ciphertext).
type Box struct {
	key [32]byte
}

// NewBox builds a Box from a base64 encoded 32 byte key.
func NewBox(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("security: decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("security: key must be 32 bytes, got %d", len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// DefaultBox builds a Box from API_CREDENTIALS_KEY.
func DefaultBox() (*Box, error) {
	key := GetConfig().CredentialsKey
	if strings.TrimSpace(key) == "" {
		return nil, ErrKeyNotSet
	}
	return NewBox(key)
}

func (b *Box) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is, which keeps
// keys inserted by hand in plain text usable.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("security: decode sealed value: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}
