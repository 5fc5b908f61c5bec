package ratchet

import (
	"encoding/base64"
	"fmt"

	"github.com/opd-ai/groupcrypt/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	outboundPickleVersion = 1

	pickleRatchetField protowire.Number = 1
	pickleCounterField protowire.Number = 2
	pickleSigningField protowire.Number = 3
)

// OutboundGroupSession is the sending half of a group session. Every
// Encrypt consumes one message index.
type OutboundGroupSession struct {
	ratchet *groupRatchet
	signing *crypto.SigningKeyPair
}

// NewOutboundGroupSession creates a session with a random ratchet at index 0.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	r, err := newRandomRatchet()
	if err != nil {
		return nil, err
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	return &OutboundGroupSession{ratchet: r, signing: signing}, nil
}

// ID returns the session id, the encoded signing public key.
func (s *OutboundGroupSession) ID() string {
	return crypto.EncodeKey(s.signing.Public)
}

// MessageIndex returns the index the next message will use.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.ratchet.counter
}

// SessionKey returns the signed session key at the current index. Receivers
// holding it can decrypt this and every later message.
func (s *OutboundGroupSession) SessionKey() string {
	body := encodeRatchetKey(sessionKeyFormat, s.ratchet, s.signing.Public)
	body = append(body, s.signing.Sign(body)...)
	return base64.RawStdEncoding.EncodeToString(body)
}

// Encrypt encrypts plaintext at the current index and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	aead, nonce, err := s.ratchet.messageCipher()
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	msg := encodeMessage(s.ratchet.counter, ciphertext, s.signing)
	s.ratchet.advance()
	return msg, nil
}

// Pickle serializes and seals the session.
func (s *OutboundGroupSession) Pickle(key *crypto.PickleKey) ([]byte, error) {
	state := s.ratchet.bytes()
	defer crypto.ZeroBytes(state)

	out := []byte{outboundPickleVersion}
	out = protowire.AppendTag(out, pickleRatchetField, protowire.BytesType)
	out = protowire.AppendBytes(out, state)
	out = protowire.AppendTag(out, pickleCounterField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(s.ratchet.counter))
	out = protowire.AppendTag(out, pickleSigningField, protowire.BytesType)
	out = protowire.AppendBytes(out, s.signing.Seed())
	defer crypto.ZeroBytes(out)

	return key.Seal(out)
}

// UnpickleOutboundGroupSession restores a session sealed by Pickle.
func UnpickleOutboundGroupSession(key *crypto.PickleKey, sealed []byte) (*OutboundGroupSession, error) {
	raw, err := key.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	defer crypto.ZeroBytes(raw)
	if len(raw) == 0 || raw[0] != outboundPickleVersion {
		return nil, fmt.Errorf("%w: unsupported outbound session pickle", ErrBadPickle)
	}

	var state, seed []byte
	var counter uint32
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
			seed = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r, err := ratchetFromBytes(state, counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	signing, err := crypto.SigningKeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickle, err)
	}
	return &OutboundGroupSession{ratchet: r, signing: signing}, nil
}

// Wipe erases the session's secrets.
func (s *OutboundGroupSession) Wipe() {
	s.ratchet.wipe()
	_ = crypto.WipeSigningKey(s.signing)
}
