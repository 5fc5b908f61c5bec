package ratchet

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/opd-ai/groupcrypt/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	messageVersion   = 0x03
	sessionKeyFormat = 0x02
	exportFormat     = 0x01

	messageIndexField      protowire.Number = 1
	messageCiphertextField protowire.Number = 2

	exportedLength   = 1 + 4 + ratchetLength + 32
	sessionKeyLength = exportedLength + crypto.SignatureSize
)

// visitFunc receives each decoded field. value is set for bytes fields and
// varint for varint fields.
type visitFunc func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error

// consumeFields walks protobuf wire fields, skipping unknown types.
func consumeFields(b []byte, sentinel error, visit visitFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", sentinel, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", sentinel, protowire.ParseError(n))
			}
			b = b[n:]
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", sentinel, protowire.ParseError(n))
			}
			b = b[n:]
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", sentinel, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func toUint32(v uint64, sentinel error) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: value %d overflows uint32", sentinel, v)
	}
	return uint32(v), nil
}

// encodeMessage builds and signs a group message.
func encodeMessage(index uint32, ciphertext []byte, signer *crypto.SigningKeyPair) []byte {
	out := []byte{messageVersion}
	out = protowire.AppendTag(out, messageIndexField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(index))
	out = protowire.AppendTag(out, messageCiphertextField, protowire.BytesType)
	out = protowire.AppendBytes(out, ciphertext)
	return append(out, signer.Sign(out)...)
}

type groupMessage struct {
	index      uint32
	ciphertext []byte
	body       []byte
	signature  []byte
}

func decodeMessage(raw []byte) (*groupMessage, error) {
	if len(raw) < 1+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrBadMessageFormat, len(raw))
	}
	if raw[0] != messageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadMessageFormat, raw[0])
	}

	split := len(raw) - crypto.SignatureSize
	msg := &groupMessage{body: raw[:split], signature: raw[split:]}

	var haveIndex, haveCiphertext bool
	err := consumeFields(raw[1:split], ErrBadMessageFormat, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch {
		case num == messageIndexField && typ == protowire.VarintType:
			index, err := toUint32(varint, ErrBadMessageFormat)
			if err != nil {
				return err
			}
			msg.index, haveIndex = index, true
		case num == messageCiphertextField && typ == protowire.BytesType:
			msg.ciphertext, haveCiphertext = value, true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveIndex || !haveCiphertext {
		return nil, fmt.Errorf("%w: missing index or ciphertext", ErrBadMessageFormat)
	}
	return msg, nil
}

// MessageIndex reads the index of a group message without decrypting it.
func MessageIndex(raw []byte) (uint32, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return 0, err
	}
	return msg.index, nil
}

func encodeRatchetKey(format byte, r *groupRatchet, signingKey []byte) []byte {
	out := make([]byte, 0, sessionKeyLength)
	out = append(out, format)
	out = binary.BigEndian.AppendUint32(out, r.counter)
	out = append(out, r.bytes()...)
	return append(out, signingKey...)
}

// sessionKeyParts is the decoded content of a session key or export.
type sessionKeyParts struct {
	ratchet    *groupRatchet
	signingKey []byte
	signed     bool
}

func decodeRatchetKey(encoded string) (*sessionKeyParts, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionKeyFormat, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrSessionKeyFormat)
	}

	switch raw[0] {
	case exportFormat:
		if len(raw) != exportedLength {
			return nil, fmt.Errorf("%w: export must be %d bytes, got %d", ErrSessionKeyFormat, exportedLength, len(raw))
		}
	case sessionKeyFormat:
		if len(raw) != sessionKeyLength {
			return nil, fmt.Errorf("%w: session key must be %d bytes, got %d", ErrSessionKeyFormat, sessionKeyLength, len(raw))
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrSessionKeyFormat, raw[0])
	}

	counter := binary.BigEndian.Uint32(raw[1:5])
	r, err := ratchetFromBytes(raw[5:5+ratchetLength], counter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionKeyFormat, err)
	}
	signingKey := append([]byte(nil), raw[5+ratchetLength:exportedLength]...)

	parts := &sessionKeyParts{ratchet: r, signingKey: signingKey}
	if raw[0] == sessionKeyFormat {
		if err := crypto.Verify(signingKey, raw[:exportedLength], raw[exportedLength:]); err != nil {
			return nil, fmt.Errorf("%w: session key: %v", ErrBadSignature, err)
		}
		parts.signed = true
	}
	return parts, nil
}
