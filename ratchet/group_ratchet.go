package ratchet

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/opd-ai/groupcrypt/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	ratchetParts  = 4
	partLength    = sha256.Size
	ratchetLength = ratchetParts * partLength
)

var messageKeyInfo = []byte("GROUP_RATCHET_KEYS")

// groupRatchet is the 4-part hash ratchet shared by outbound and inbound
// sessions.
type groupRatchet struct {
	data    [ratchetParts][partLength]byte
	counter uint32
}

func newRandomRatchet() (*groupRatchet, error) {
	r := &groupRatchet{}
	for i := range r.data {
		if _, err := io.ReadFull(rand.Reader, r.data[i][:]); err != nil {
			return nil, fmt.Errorf("failed to seed ratchet: %w", err)
		}
	}
	return r, nil
}

func ratchetFromBytes(raw []byte, counter uint32) (*groupRatchet, error) {
	if len(raw) != ratchetLength {
		return nil, fmt.Errorf("ratchet state must be %d bytes, got %d", ratchetLength, len(raw))
	}
	r := &groupRatchet{counter: counter}
	for i := range r.data {
		copy(r.data[i][:], raw[i*partLength:(i+1)*partLength])
	}
	return r, nil
}

func (r *groupRatchet) bytes() []byte {
	out := make([]byte, 0, ratchetLength)
	for i := range r.data {
		out = append(out, r.data[i][:]...)
	}
	return out
}

func (r *groupRatchet) clone() *groupRatchet {
	c := *r
	return &c
}

func (r *groupRatchet) wipe() {
	for i := range r.data {
		crypto.ZeroBytes(r.data[i][:])
	}
}

// rehashPart sets R(to) from R(from).
func (r *groupRatchet) rehashPart(from, to int) {
	mac := hmac.New(sha256.New, r.data[from][:])
	mac.Write([]byte{byte(to)})
	copy(r.data[to][:], mac.Sum(nil))
}

// advance moves the ratchet forward by one.
func (r *groupRatchet) advance() {
	mask := uint32(0x00FFFFFF)
	h := 0

	r.counter++

	// find the most significant part whose counter byte changed
	for h < ratchetParts {
		if r.counter&mask == 0 {
			break
		}
		h++
		mask >>= 8
	}

	for i := ratchetParts - 1; i >= h; i-- {
		r.rehashPart(h, i)
	}
}

// advanceTo moves the ratchet forward to index, wrapping at 2^32.
func (r *groupRatchet) advanceTo(index uint32) {
	for j := 0; j < ratchetParts; j++ {
		shift := uint((ratchetParts - j - 1) * 8)
		mask := ^uint32(0) << shift

		steps := ((index >> shift) - (r.counter >> shift)) & 0xff
		if steps == 0 {
			// only R0 can get here with counter > index, after wraparound
			if index < r.counter {
				steps = 0x100
			} else {
				continue
			}
		}

		for steps > 1 {
			r.rehashPart(j, j)
			steps--
		}
		for k := ratchetParts - 1; k >= j; k-- {
			r.rehashPart(j, k)
		}
		r.counter = index & mask
	}
}

// messageCipher derives the AEAD and nonce for the current index.
func (r *groupRatchet) messageCipher() (cipher.AEAD, []byte, error) {
	state := r.bytes()
	defer crypto.ZeroBytes(state)

	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	defer crypto.ZeroBytes(material)
	kdf := hkdf.New(sha256.New, state, nil, messageKeyInfo)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, nil, fmt.Errorf("failed to derive message key: %w", err)
	}

	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create message cipher: %w", err)
	}
	nonce := append([]byte(nil), material[chacha20poly1305.KeySize:]...)
	return aead, nonce, nil
}
