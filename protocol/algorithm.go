package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownAlgorithm is returned for algorithm identifiers outside the
// supported set.
var ErrUnknownAlgorithm = errors.New("unknown group encryption algorithm")

// Algorithm identifies a group encryption algorithm. The set is closed; any
// identifier that does not parse is rejected before dispatch.
type Algorithm uint8

const (
	// AlgorithmUnknown is the zero value and never valid on the wire.
	AlgorithmUnknown Algorithm = iota
	// AlgorithmGroupRatchet is the per-sender hash ratchet with signed
	// messages.
	AlgorithmGroupRatchet
	// AlgorithmSharedSecret is the hybrid variant: one symmetric key per
	// session, authenticated encryption per message.
	AlgorithmSharedSecret
)

const (
	groupRatchetName = "grp.ratchet.v1.chacha20-sha256"
	sharedSecretName = "grp.hybrid.v1.aes-256-gcm"
)

// Algorithms lists every supported algorithm in dispatch order.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmGroupRatchet, AlgorithmSharedSecret}
}

// String returns the wire identifier.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmGroupRatchet:
		return groupRatchetName
	case AlgorithmSharedSecret:
		return sharedSecretName
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AlgorithmGroupRatchet || a == AlgorithmSharedSecret
}

// ParseAlgorithm maps a wire identifier to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case groupRatchetName:
		return AlgorithmGroupRatchet, nil
	case sharedSecretName:
		return AlgorithmSharedSecret, nil
	default:
		return AlgorithmUnknown, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown identifiers
// fail here, at decode time.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
