// Package crypto seals credential secrets with AES-256-GCM under a
// versioned keyring.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	envelopePrefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens secrets under one key version. The AEAD is
// built once at construction, so sealing on the hot path costs only the
// nonce draw.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor builds an Encryptor for a 32-byte AES-256 key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt seals plaintext into the "ENC[vN]:base64(nonce+ciphertext)"
// envelope. A fresh nonce is drawn per call.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", envelopePrefix, e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens an envelope produced by Encrypt. The version tag is not
// verified here; the keyring routes each envelope to the matching key.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	body, ok := envelopeBody(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this encryptor seals under.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the key version from an envelope, 0 if invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, envelopePrefix) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// IsEncrypted reports whether the value carries the ciphertext envelope.
func IsEncrypted(value string) bool {
	return ParseVersion(value) > 0
}

func envelopeBody(ciphertext string) (string, bool) {
	if !strings.HasPrefix(ciphertext, envelopePrefix) {
		return "", false
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return "", false
	}
	return ciphertext[idx+2:], true
}
