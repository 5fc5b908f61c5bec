package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for pickle key derivation.
	PBKDF2Iterations = 100000
	// PickleVersion is the current sealed pickle format version.
	PickleVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32
)

var (
	// ErrEmptySecret is returned when a pickle key is derived from nothing.
	ErrEmptySecret = errors.New("pickle secret cannot be empty")
	// ErrPickleCorrupt is returned when a sealed pickle fails to open.
	ErrPickleCorrupt = errors.New("pickle corrupt or wrong pickle key")
)

// PickleKey seals serialized accounts and sessions with AES-256-GCM.
type PickleKey struct {
	key [32]byte
}

// NewSalt returns a fresh random PBKDF2 salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DerivePickleKey stretches secret with PBKDF2-SHA256 over salt.
func DerivePickleKey(secret, salt []byte) (*PickleKey, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), SaltSize)
	}

	derived := pbkdf2.Key(secret, salt, PBKDF2Iterations, 32, sha256.New)
	pk := &PickleKey{}
	copy(pk.key[:], derived)
	ZeroBytes(derived)
	return pk, nil
}

func (pk *PickleKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(pk.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (pk *PickleKey) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := pk.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2+len(nonce), 2+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out[0:2], PickleVersion)
	copy(out[2:], nonce)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (pk *PickleKey) Open(data []byte) ([]byte, error) {
	gcm, err := pk.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrPickleCorrupt, len(data))
	}

	if version := binary.BigEndian.Uint16(data[0:2]); version != PickleVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPickleCorrupt, version)
	}

	nonce := data[2 : 2+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, data[2+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPickleCorrupt, err)
	}
	return plaintext, nil
}

// Close wipes the key. The PickleKey must not be used afterwards.
func (pk *PickleKey) Close() {
	ZeroBytes(pk.key[:])
}
