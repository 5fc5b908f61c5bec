package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// ErrInvalidSignature is returned when a signature does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// SigningKeyPair is an Ed25519 key pair.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &SigningKeyPair{Public: public, Private: private}, nil
}

// SigningKeyPairFromSeed rebuilds a key pair from its 32-byte seed.
func SigningKeyPairFromSeed(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing seed size: %d", len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &SigningKeyPair{
		Public:  private.Public().(ed25519.PublicKey),
		Private: private,
	}, nil
}

// Seed returns the private seed.
func (s *SigningKeyPair) Seed() []byte {
	return s.Private.Seed()
}

// Sign signs message with the private key.
func (s *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(s.Private, message)
}

// Verify checks signature against message and an Ed25519 public key.
func Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key size %d", ErrInvalidSignature, len(publicKey))
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: bad signature size %d", ErrInvalidSignature, len(signature))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
