package crypto

import (
	"errors"
	"time"
)

// KeyRing holds the current key and a bounded list of the keys it replaced.
// Devices use it for fallback keys: senders may still hold the previous
// fallback key, so incoming device messages are tried against every key in
// the ring.
type KeyRing struct {
	Current     *KeyPair
	Previous    []*KeyPair
	CreatedAt   time.Time
	MaxPrevious int
}

// NewKeyRing creates a ring around initial, keeping up to maxPrevious
// replaced keys.
func NewKeyRing(initial *KeyPair, maxPrevious int, now time.Time) *KeyRing {
	if maxPrevious < 0 {
		maxPrevious = 0
	}
	return &KeyRing{
		Current:     initial,
		Previous:    make([]*KeyPair, 0, maxPrevious),
		CreatedAt:   now,
		MaxPrevious: maxPrevious,
	}
}

// Rotate generates a new current key and moves the old one into Previous.
// The oldest previous key is wiped once the list is full.
func (r *KeyRing) Rotate(now time.Time) (*KeyPair, error) {
	next, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if r.Current != nil {
		r.Previous = append([]*KeyPair{r.Current}, r.Previous...)
		for len(r.Previous) > r.MaxPrevious {
			oldest := r.Previous[len(r.Previous)-1]
			if err := WipeKeyPair(oldest); err != nil {
				return nil, err
			}
			r.Previous = r.Previous[:len(r.Previous)-1]
		}
	}

	r.Current = next
	r.CreatedAt = now

	NewLogger("crypto", "KeyRing.Rotate").WithField("retained", len(r.Previous)).Debug("Rotated key ring")
	return next, nil
}

// Age returns how long the current key has been in use.
func (r *KeyRing) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// All returns the current key followed by previous keys, newest first.
func (r *KeyRing) All() []*KeyPair {
	keys := make([]*KeyPair, 0, len(r.Previous)+1)
	if r.Current != nil {
		keys = append(keys, r.Current)
	}
	return append(keys, r.Previous...)
}

// Find returns the key pair with the given public key, or nil.
func (r *KeyRing) Find(public [32]byte) *KeyPair {
	for _, kp := range r.All() {
		if kp.Public == public {
			return kp
		}
	}
	return nil
}

// Wipe erases every private key in the ring.
func (r *KeyRing) Wipe() error {
	var lastErr error
	for _, kp := range r.All() {
		if err := WipeKeyPair(kp); err != nil {
			lastErr = err
		}
	}
	r.Current = nil
	r.Previous = nil
	if lastErr != nil {
		return errors.Join(errors.New("key ring wipe incomplete"), lastErr)
	}
	return nil
}
