package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("keyring not initialized")
)

const envKeyPrefix = "MASTER_ENCRYPTION_KEY"

// Keyring holds encryptors for multiple key versions so secrets written
// under an older key keep decrypting after rotation.
type Keyring struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyring loads keys from environment variables:
// MASTER_ENCRYPTION_KEY (v1, required), MASTER_ENCRYPTION_KEY_V2 .. _V10.
func NewKeyring() (*Keyring, error) {
	kr := &Keyring{encryptors: make(map[int]*Encryptor)}

	if err := kr.loadKey(1, envKeyPrefix); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	kr.currentVer = 1

	for v := 2; v <= 10; v++ {
		if err := kr.loadKey(v, fmt.Sprintf("%s_V%d", envKeyPrefix, v)); err == nil {
			kr.currentVer = v
		}
	}
	return kr, nil
}

func (kr *Keyring) loadKey(version int, envName string) error {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	kr.encryptors[version] = enc
	return nil
}

// Encrypt seals plaintext with the latest key version.
func (kr *Keyring) Encrypt(plaintext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	enc, ok := kr.encryptors[kr.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens ciphertext using the key version recorded in its envelope.
func (kr *Keyring) Decrypt(ciphertext string) (string, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := kr.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// CurrentVersion returns the latest loaded key version.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.currentVer
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
