// Package noise provides the one-shot Noise X handshake used for
// device-to-device messages.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/groupcrypt/crypto"
)

var (
	// ErrInvalidMessage indicates a message that cannot be read with any offered key.
	ErrInvalidMessage = errors.New("invalid device message")
	// ErrPayloadTooLarge indicates a payload that does not fit one Noise message.
	ErrPayloadTooLarge = errors.New("payload exceeds noise message limit")
)

const (
	// MaxMessageSize is the Noise protocol limit for one handshake message.
	MaxMessageSize = noise.MaxMsgLen

	// overhead is e (32) + encrypted s (32+16) + payload tag (16).
	overhead = 32 + 48 + 16

	// MaxPayloadSize is the largest payload Seal accepts.
	MaxPayloadSize = MaxMessageSize - overhead
)

// Prologue binds device messages to this protocol version.
var Prologue = []byte("groupcrypt device message v1")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

func dhKey(kp *crypto.KeyPair) noise.DHKey {
	key := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(key.Private, kp.Private[:])
	copy(key.Public, kp.Public[:])
	return key
}

// Seal writes a single X pattern message (-> e, es, s, ss) from sender to
// the holder of recipientStatic. The sender's static key travels encrypted
// inside the message and is authenticated by the ss exchange.
func Seal(sender *crypto.KeyPair, recipientStatic [32]byte, payload []byte) ([]byte, error) {
	if sender == nil {
		return nil, errors.New("sender key pair is required")
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	static := dhKey(sender)
	defer crypto.ZeroBytes(static.Private)

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     true,
		Prologue:      Prologue,
		StaticKeypair: static,
		PeerStatic:    append([]byte(nil), recipientStatic[:]...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	message, _, _, err := state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("initiator write failed: %w", err)
	}
	return message, nil
}

// Open reads a message produced by Seal. Each candidate key is tried in
// order until one authenticates; the payload and the sender's static key
// are returned.
func Open(candidates []*crypto.KeyPair, message []byte) ([]byte, [32]byte, error) {
	var sender [32]byte
	if len(message) < overhead {
		return nil, sender, fmt.Errorf("%w: %d bytes is too short", ErrInvalidMessage, len(message))
	}

	var lastErr error
	for _, kp := range candidates {
		if kp == nil {
			continue
		}
		payload, peer, err := openWith(kp, message)
		if err != nil {
			lastErr = err
			continue
		}
		copy(sender[:], peer)
		return payload, sender, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no candidate keys")
	}
	return nil, sender, fmt.Errorf("%w: %v", ErrInvalidMessage, lastErr)
}

func openWith(kp *crypto.KeyPair, message []byte) ([]byte, []byte, error) {
	static := dhKey(kp)
	defer crypto.ZeroBytes(static.Private)

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeX,
		Initiator:     false,
		Prologue:      Prologue,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	payload, _, _, err := state.ReadMessage(nil, message)
	if err != nil {
		return nil, nil, fmt.Errorf("responder read failed: %w", err)
	}
	return payload, state.PeerStatic(), nil
}
