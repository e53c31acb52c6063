package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher encrypts and decrypts secret material (api keys, client secrets,
// access/refresh tokens) before it reaches the durable store.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte key from keyMaterial via SHA-256 and builds a
// ChaCha20-Poly1305 AEAD over it. An empty keyMaterial is permitted only in
// development: a random ephemeral key is generated and a warning logged,
// meaning encrypted values will not survive a process restart.
func NewCipher(keyMaterial string, logger *slog.Logger) (*Cipher, error) {
	var keyHash [32]byte

	if keyMaterial == "" {
		if _, err := io.ReadFull(rand.Reader, keyHash[:]); err != nil {
			return nil, fmt.Errorf("generating ephemeral key: %w", err)
		}
		logger.Warn("no credential encryption key configured, using an ephemeral key for this process")
	} else {
		keyHash = sha256.Sum256([]byte(keyMaterial))
	}

	aead, err := chacha20poly1305.New(keyHash[:])
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns a hex-encoded nonce||ciphertext blob.
// An empty plaintext is passed through unchanged so optional secret fields
// stay empty rather than becoming a non-empty ciphertext of nothing.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	raw, err := hex.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plaintext), nil
}
