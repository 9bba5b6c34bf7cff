// Package crypto seals credential secrets at rest with versioned AES-256-GCM keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32

	sealedPrefix = "ENC[v"
)

var (
	ErrInvalidKey     = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidSealed  = errors.New("invalid sealed value")
	ErrOpenFailed     = errors.New("decryption failed")
	ErrNoKeys         = errors.New("no encryption key configured")
	ErrUnknownVersion = errors.New("key version not loaded")
)

// KeyRing seals with its newest key and opens values sealed by any loaded version.
type KeyRing struct {
	current int
	aeads   map[int]cipher.AEAD
}

// NewKeyRing builds a ring from raw 32-byte keys indexed by version.
func NewKeyRing(keys map[int][]byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	ring := &KeyRing{aeads: make(map[int]cipher.AEAD, len(keys))}
	for version, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", version, ErrInvalidKey)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", version, err)
		}
		ring.aeads[version] = aead
		if version > ring.current {
			ring.current = version
		}
	}
	return ring, nil
}

// KeyRingFromEnv loads base64 keys from prefix (version 1) and prefix_V2..prefix_V10.
// It returns ErrNoKeys when the version 1 variable is unset.
func KeyRingFromEnv(prefix string) (*KeyRing, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, ErrNoKeys
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyRing(keys)
}

// CurrentVersion is the version new values are sealed with.
func (r *KeyRing) CurrentVersion() int { return r.current }

// Seal returns ENC[vN]:base64(nonce+ciphertext). Empty input stays empty.
func (r *KeyRing) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead := r.aeads[r.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", sealedPrefix, r.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open reverses Seal. Values without the sealed prefix are returned unchanged
// so rows written before a key was configured stay readable.
func (r *KeyRing) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	version := ParseVersion(value)
	if version == 0 {
		return "", ErrInvalidSealed
	}
	aead, ok := r.aeads[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownVersion, version)
	}

	_, encoded, ok := strings.Cut(value, "]:")
	if !ok {
		return "", ErrInvalidSealed
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", ErrInvalidSealed
	}
	plaintext, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool { return strings.HasPrefix(value, sealedPrefix) }

// ParseVersion extracts the key version from a sealed value, or 0.
func ParseVersion(value string) int {
	var version int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// GenerateKey returns a random base64 key suitable for the environment variables.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
