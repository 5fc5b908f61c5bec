package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 key pair. Device identity keys and fallback keys
// are both represented by it.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// ErrInvalidKey is returned when an encoded key cannot be decoded to 32 bytes.
var ErrInvalidKey = errors.New("invalid key encoding")

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	defer ZeroBytes(secret[:])
	return FromSecretKey(secret)
}

// FromSecretKey creates a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// PublicString returns the encoded public key.
func (kp *KeyPair) PublicString() string {
	return EncodeKey(kp.Public[:])
}

// EncodeKey encodes key bytes as unpadded standard base64.
func EncodeKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

// DecodeKey decodes a 32-byte key produced by EncodeKey.
func DecodeKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
