package ratchet

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/groupcrypt/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	inboundPickleVersion = 1

	pickleVerifiedField protowire.Number = 4
)

// InboundGroupSession is the receiving half of a group session. It holds the
// ratchet at its first known index and derives later indices on demand.
type InboundGroupSession struct {
	initial    *groupRatchet
	signingKey ed25519.PublicKey
	// signed records whether the session came from the sender's signed key.
	signed bool
}

// NewInboundGroupSession creates a session from a signed session key.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	parts, err := decodeRatchetKey(sessionKey)
	if err != nil {
		return nil, err
	}
	if !parts.signed {
		return nil, fmt.Errorf("%w: expected a signed session key", ErrSessionKeyFormat)
	}
	return &InboundGroupSession{initial: parts.ratchet, signingKey: parts.signingKey, signed: true}, nil
}

// ImportInboundGroupSession creates a session from either a signed session
// key or an unsigned export.
func ImportInboundGroupSession(key string) (*InboundGroupSession, error) {
	parts, err := decodeRatchetKey(key)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{initial: parts.ratchet, signingKey: parts.signingKey, signed: parts.signed}, nil
}

// ID returns the session id, the encoded signing public key.
func (s *InboundGroupSession) ID() string {
	return crypto.EncodeKey(s.signingKey)
}

// FirstKnownIndex returns the earliest index the session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.initial.counter
}

// Signed reports whether the session was created from a signed session key.
func (s *InboundGroupSession) Signed() bool {
	return s.signed
}

// Export returns an unsigned export at index, which must not precede the
// first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.initial.counter {
		return "", fmt.Errorf("%w: %d precedes first known index %d", ErrUnknownMessageIndex, index, s.initial.counter)
	}
	r := s.initial.clone()
	defer r.wipe()
	r.advanceTo(index)
	return base64.RawStdEncoding.EncodeToString(encodeRatchetKey(exportFormat, r, s.signingKey)), nil
}

// Decrypt verifies and decrypts a group message, returning the plaintext and
// the message index.
func (s *InboundGroupSession) Decrypt(message []byte) ([]byte, uint32, error) {
	msg, err := decodeMessage(message)
	if err != nil {
		return nil, 0, err
	}
	if err := crypto.Verify(s.signingKey, msg.body, msg.signature); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if msg.index < s.initial.counter {
		return nil, msg.index, fmt.Errorf("%w: %d precedes first known index %d", ErrUnknownMessageIndex, msg.index, s.initial.counter)
	}

	r := s.initial.clone()
	defer r.wipe()
	r.advanceTo(msg.index)

	aead, nonce, err := r.messageCipher()
	if err != nil {
		return nil, msg.index, err
	}
	plaintext, err := aead.Open(nil, nonce, msg.ciphertext, nil)
	if err != nil {
		return nil, msg.index, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, msg.index, nil
}

// Pickle serializes and seals the session.
func (s *InboundGroupSession) Pickle(key *crypto.PickleKey) ([]byte, error) {
	state := s.initial.bytes()
	defer crypto.ZeroBytes(state)

	out := []byte{inboundPickleVersion}
	out = protowire.AppendTag(out, pickleRatchetField, protowire.BytesType)
	out = protowire.AppendBytes(out, state)
	out = protowire.AppendTag(out, pickleCounterField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(s.initial.counter))
	out = protowire.AppendTag(out, pickleSigningField, protowire.BytesType)
	out = protowire.AppendBytes(out, s.signingKey)
	out = protowire.AppendTag(out, pickleVerifiedField, protowire.VarintType)
	out = protowire.AppendVarint(out, protowire.EncodeBool(s.signed))
	defer crypto.ZeroBytes(out)

	return key.Seal(out)
}

// UnpickleInboundGroupSession restores a session sealed by Pickle.
func UnpickleInboundGroupSession(key *crypto.PickleKey, sealed []byte) (*InboundGroupSession, error) {
	raw, err := key.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	defer crypto.ZeroBytes(raw)
	if len(raw) == 0 || raw[0] != inboundPickleVersion {
		return nil, fmt.Errorf("%w: unsupported inbound session pickle", ErrBadPickle)
	}

	var state, signingKey []byte
	var counter uint32
	var signed bool
	err = consumeFields(raw[1:], ErrBadPickle, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case pickleRatchetField:
			state = value
		case pickleCounterField:
			c, err := toUint32(varint, ErrBadPickle)
			if err != nil {
				return err
			}
			counter = c
		case pickleSigningField:
			signingKey = append([]byte(nil), value...)
		case pickleVerifiedField:
			signed = protowire.DecodeBool(varint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(signingKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad signing key", ErrBadPickle)
	}

	r, err := ratchetFromBytes(state, counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	return &InboundGroupSession{initial: r, signingKey: signingKey, signed: signed}, nil
}

// Wipe erases the session's ratchet.
func (s *InboundGroupSession) Wipe() {
	s.initial.wipe()
}
