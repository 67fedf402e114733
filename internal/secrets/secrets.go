// Package secrets seals tenant credential bundles for storage at rest.
// Bundles are decrypted only at the moment the container environment is
// constructed; plaintext values never reach logs or the database.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Bundle is an opaque set of tenant credentials (bot token, API keys),
// keyed by the environment variable name each value is injected under.
type Bundle map[string]string

// Box seals and opens bundles with an XChaCha20-Poly1305 AEAD.
type Box struct {
	key []byte
}

func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Seal encrypts the bundle. The random nonce is prepended to the ciphertext.
func (b *Box) Seal(bundle Bundle) ([]byte, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed bundle.
func (b *Box) Open(sealed []byte) (Bundle, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed bundle too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle, nil
}
