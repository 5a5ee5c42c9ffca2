package emrauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// stateSealer provides AES-256-GCM sealing. It keeps the PKCE verifier
// unreadable while the state transits the redirect chain, and stored
// session tokens unreadable at rest.
type stateSealer struct {
	aead cipher.AEAD
}

func newStateSealer(key []byte) (*stateSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("state sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("state sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("state sealer: create GCM: %w", err)
	}

	return &stateSealer{aead: aead}, nil
}

func sealerFromHex(hexKey string) (*stateSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("state key is not valid hex: %w", err)
	}
	return newStateSealer(key)
}

// seal returns nonce || ciphertext.
func (s *stateSealer) seal(data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("state seal: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

func (s *stateSealer) open(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("state open: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("state open: %w", err)
	}
	return plaintext, nil
}
