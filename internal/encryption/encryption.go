// Package encryption seals sensitive audit payloads with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the master secret is missing or too short.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned when a sealed value is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned when authentication of a sealed value fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownKeyVersion is returned when no key is held for a sealed value's version.
	ErrUnknownKeyVersion = errors.New("unknown key version")
)

const (
	keySize    = 32
	tagSize    = 16
	hkdfSalt   = "sectrail-audit-v1"
	hkdfInfo   = "audit-field-encryption"
	minKeySize = 16
)

// Sealed is the stored form of an encrypted value. All byte fields are hex.
type Sealed struct {
	IV         string `json:"iv"`
	Data       string `json:"data"`
	AuthTag    string `json:"authTag"`
	KeyVersion int    `json:"keyVersion,omitempty"`
}

// Config holds encryption configuration.
type Config struct {
	// MasterKey is the operator-supplied secret. The AES key is derived from it.
	MasterKey []byte

	// KeyVersion tags newly sealed values so older values stay readable
	// after rotation.
	KeyVersion int

	Logger *slog.Logger
}

// Engine seals and opens values with a derived AES-256 key.
type Engine struct {
	mu         sync.RWMutex
	key        []byte
	keyVersion int
	oldKeys    map[int][]byte
	logger     *slog.Logger
}

// NewEngine derives the working key from cfg.MasterKey.
func NewEngine(cfg Config) (*Engine, error) {
	key, err := DeriveKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		key:        key,
		keyVersion: cfg.KeyVersion,
		oldKeys:    make(map[int][]byte),
		logger:     logger,
	}, nil
}

// DeriveKey expands a master secret into a 32-byte AES key with HKDF-SHA256.
func DeriveKey(master []byte) ([]byte, error) {
	if len(master) < minKeySize {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrInvalidKey, minKeySize)
	}

	r := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the current key.
func (e *Engine) Seal(plaintext []byte) (*Sealed, error) {
	e.mu.RLock()
	key, version := e.key, e.keyVersion
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return &Sealed{
		IV:         hex.EncodeToString(nonce),
		Data:       hex.EncodeToString(ct),
		AuthTag:    hex.EncodeToString(tag),
		KeyVersion: version,
	}, nil
}

// Open decrypts s with the key matching its version.
func (e *Engine) Open(s *Sealed) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil value", ErrInvalidCiphertext)
	}

	e.mu.RLock()
	key := e.key
	if s.KeyVersion != e.keyVersion {
		old, ok := e.oldKeys[s.KeyVersion]
		if !ok {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, s.KeyVersion)
		}
		key = old
	}
	e.mu.RUnlock()

	nonce, err := hex.DecodeString(s.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrInvalidCiphertext, err)
	}
	ct, err := hex.DecodeString(s.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidCiphertext, err)
	}
	tag, err := hex.DecodeString(s.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: auth tag", ErrInvalidCiphertext)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrInvalidCiphertext, len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// RotateKey switches sealing to a key derived from newMaster. Values sealed
// under the previous version remain readable.
func (e *Engine) RotateKey(newMaster []byte, newVersion int) error {
	key, err := DeriveKey(newMaster)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newVersion <= e.keyVersion {
		return fmt.Errorf("new version (%d) must be greater than current version (%d)", newVersion, e.keyVersion)
	}

	e.oldKeys[e.keyVersion] = e.key
	old := e.keyVersion
	e.key = key
	e.keyVersion = newVersion

	e.logger.Info("audit encryption key rotated",
		"old_version", old,
		"new_version", newVersion)
	return nil
}

// KeyVersion returns the version used for new values.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyVersion
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}

// GenerateKey returns a random 32-byte master secret.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
