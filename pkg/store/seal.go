package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealSep = "|"

var ErrSealed = errors.New("store: cannot open sealed data")

// sealer encrypts file contents as base64(nonce)|base64(ciphertext) with
// XChaCha20-Poly1305.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("store: seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &sealer{key: k}, nil
}

func (s *sealer) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce random: %w", err)
	}
	ct := aead.Seal(nil, nonce, plain, nil)

	out := base64.StdEncoding.EncodeToString(nonce) + sealSep + base64.StdEncoding.EncodeToString(ct)
	return []byte(out), nil
}

func (s *sealer) open(data []byte) ([]byte, error) {
	parts := strings.SplitN(strings.TrimSpace(string(data)), sealSep, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed envelope", ErrSealed)
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrSealed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrSealed, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size %d", ErrSealed, len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealed, err)
	}
	return plain, nil
}
