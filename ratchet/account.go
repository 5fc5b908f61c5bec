package ratchet

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/noise"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	accountPickleVersion = 1

	// PreviousFallbackKeys is how many replaced fallback keys stay usable.
	PreviousFallbackKeys = 1

	pickleIdentityField         protowire.Number = 1
	pickleAccountSigningField   protowire.Number = 2
	pickleFallbackField         protowire.Number = 3
	picklePreviousFallbackField protowire.Number = 4
	pickleFallbackCreatedField  protowire.Number = 5
)

// IdentityKeys are an account's public keys.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// Account is a device's long-lived identity.
type Account struct {
	identity *crypto.KeyPair
	signing  *crypto.SigningKeyPair
	fallback *crypto.KeyRing
}

// NewAccount creates an account with fresh identity, signing and fallback keys.
func NewAccount(now time.Time) (*Account, error) {
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	fallback, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fallback key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewAccount",
		"device_key": crypto.KeyPreview(identity.PublicString()),
	}).Debug("Created device account")

	return &Account{
		identity: identity,
		signing:  signing,
		fallback: crypto.NewKeyRing(fallback, PreviousFallbackKeys, now),
	}, nil
}

// IdentityKeys returns the account's public keys.
func (a *Account) IdentityKeys() IdentityKeys {
	return IdentityKeys{
		Curve25519: a.identity.PublicString(),
		Ed25519:    crypto.EncodeKey(a.signing.Public),
	}
}

// DeviceKey returns the encoded Curve25519 identity key.
func (a *Account) DeviceKey() string {
	return a.identity.PublicString()
}

// FallbackKey returns the encoded current fallback key.
func (a *Account) FallbackKey() string {
	return a.fallback.Current.PublicString()
}

// FallbackKeyAge returns how long the current fallback key has been published.
func (a *Account) FallbackKeyAge(now time.Time) time.Duration {
	return a.fallback.Age(now)
}

// RotateFallbackKey replaces the fallback key, keeping the previous one
// usable for decryption.
func (a *Account) RotateFallbackKey(now time.Time) (string, error) {
	kp, err := a.fallback.Rotate(now)
	if err != nil {
		return "", fmt.Errorf("failed to rotate fallback key: %w", err)
	}
	return kp.PublicString(), nil
}

// Sign signs message with the account's Ed25519 key.
func (a *Account) Sign(message []byte) []byte {
	return a.signing.Sign(message)
}

// VerifySignature checks a signature made by the account whose encoded
// Ed25519 key is signingKey.
func VerifySignature(signingKey string, message, signature []byte) error {
	raw, err := base64.RawStdEncoding.DecodeString(signingKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := crypto.Verify(raw, message, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// EncryptForDevice seals payload to another device's fallback key.
func (a *Account) EncryptForDevice(theirFallbackKey string, payload []byte) ([]byte, error) {
	recipient, err := crypto.DecodeKey(theirFallbackKey)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback key: %w", err)
	}
	return noise.Seal(a.identity, recipient, payload)
}

// DecryptFromDevice opens a message sealed to one of our fallback keys and
// checks that theirDeviceKey sent it.
func (a *Account) DecryptFromDevice(theirDeviceKey string, message []byte) ([]byte, error) {
	claimed, err := crypto.DecodeKey(theirDeviceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid device key: %w", err)
	}

	payload, sender, err := noise.Open(a.fallback.All(), message)
	if err != nil {
		return nil, err
	}
	if sender != claimed {
		crypto.ZeroBytes(payload)
		return nil, fmt.Errorf("%w: claimed %s", ErrSenderMismatch, crypto.KeyPreview(theirDeviceKey))
	}
	return payload, nil
}

// Pickle serializes and seals the account.
func (a *Account) Pickle(key *crypto.PickleKey) ([]byte, error) {
	out := []byte{accountPickleVersion}
	out = protowire.AppendTag(out, pickleIdentityField, protowire.BytesType)
	out = protowire.AppendBytes(out, a.identity.Private[:])
	out = protowire.AppendTag(out, pickleAccountSigningField, protowire.BytesType)
	out = protowire.AppendBytes(out, a.signing.Seed())
	out = protowire.AppendTag(out, pickleFallbackField, protowire.BytesType)
	out = protowire.AppendBytes(out, a.fallback.Current.Private[:])
	for _, prev := range a.fallback.Previous {
		out = protowire.AppendTag(out, picklePreviousFallbackField, protowire.BytesType)
		out = protowire.AppendBytes(out, prev.Private[:])
	}
	out = protowire.AppendTag(out, pickleFallbackCreatedField, protowire.VarintType)
	out = protowire.AppendVarint(out, protowire.EncodeZigZag(a.fallback.CreatedAt.Unix()))
	defer crypto.ZeroBytes(out)

	return key.Seal(out)
}

// UnpickleAccount restores an account sealed by Pickle.
func UnpickleAccount(key *crypto.PickleKey, sealed []byte) (*Account, error) {
	raw, err := key.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	defer crypto.ZeroBytes(raw)
	if len(raw) == 0 || raw[0] != accountPickleVersion {
		return nil, fmt.Errorf("%w: unsupported account pickle", ErrBadPickle)
	}

	var identity, seed, current []byte
	var previous [][]byte
	var created int64
	err = consumeFields(raw[1:], ErrBadPickle, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case pickleIdentityField:
			identity = value
		case pickleAccountSigningField:
			seed = value
		case pickleFallbackField:
			current = value
		case picklePreviousFallbackField:
			previous = append(previous, value)
		case pickleFallbackCreatedField:
			created = protowire.DecodeZigZag(varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	identityKP, err := keyPairFromBytes(identity)
	if err != nil {
		return nil, err
	}
	signing, err := crypto.SigningKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	currentKP, err := keyPairFromBytes(current)
	if err != nil {
		return nil, err
	}

	ring := crypto.NewKeyRing(currentKP, PreviousFallbackKeys, time.Unix(created, 0))
	for _, p := range previous {
		kp, err := keyPairFromBytes(p)
		if err != nil {
			return nil, err
		}
		ring.Previous = append(ring.Previous, kp)
	}

	return &Account{identity: identityKP, signing: signing, fallback: ring}, nil
}

func keyPairFromBytes(raw []byte) (*crypto.KeyPair, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrBadPickle, len(raw))
	}
	var secret [32]byte
	copy(secret[:], raw)
	defer crypto.ZeroBytes(secret[:])
	kp, err := crypto.FromSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	return kp, nil
}

// Wipe erases every private key held by the account.
func (a *Account) Wipe() {
	_ = crypto.WipeKeyPair(a.identity)
	_ = crypto.WipeSigningKey(a.signing)
	_ = a.fallback.Wipe()
}
