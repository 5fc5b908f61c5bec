package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/ratchet"
	"github.com/opd-ai/groupcrypt/store"
)

const (
	pickleSaltKey = "pickle_salt"

	// DefaultReplayCacheSize is the replay guard's LRU size.
	DefaultReplayCacheSize = 4096
	// DefaultDeviceKeyTTL is how long fetched device keys stay cached.
	DefaultDeviceKeyTTL = 15 * time.Minute
)

// Options configures a Device.
type Options struct {
	// PickleSecret encrypts every pickle at rest. Required.
	PickleSecret []byte
	// ReplayCacheSize bounds the in-memory replay cache.
	ReplayCacheSize int
	// DeviceKeyTTL bounds how long other users' device keys are cached.
	DeviceKeyTTL time.Duration
	// TimeProvider defaults to the wall clock.
	TimeProvider crypto.TimeProvider
}

// Device owns one account and all of its group sessions.
type Device struct {
	store        store.Store
	secret       []byte
	timeProvider crypto.TimeProvider

	mu        sync.RWMutex
	pickleKey *crypto.PickleKey
	account   *ratchet.Account
	closed    bool

	replay    *crypto.ReplayGuard
	directory *Directory

	// outbound serializes ratchet advances per conversation.
	outbound *keyedMutex
	// peers serializes device messages per peer device key.
	peers *keyedMutex
}

// New creates a Device over st. Call Initialize before use.
func New(st store.Store, opts Options) (*Device, error) {
	if st == nil {
		return nil, errors.New("device requires a store")
	}
	if len(opts.PickleSecret) == 0 {
		return nil, crypto.ErrEmptySecret
	}
	if opts.ReplayCacheSize <= 0 {
		opts.ReplayCacheSize = DefaultReplayCacheSize
	}
	if opts.DeviceKeyTTL <= 0 {
		opts.DeviceKeyTTL = DefaultDeviceKeyTTL
	}
	tp := crypto.OrDefault(opts.TimeProvider)

	replay, err := crypto.NewReplayGuard(st, opts.ReplayCacheSize, tp)
	if err != nil {
		return nil, err
	}

	secret := make([]byte, len(opts.PickleSecret))
	copy(secret, opts.PickleSecret)

	return &Device{
		store:        st,
		secret:       secret,
		timeProvider: tp,
		replay:       replay,
		directory:    NewDirectory(st, opts.DeviceKeyTTL, tp),
		outbound:     newKeyedMutex(),
		peers:        newKeyedMutex(),
	}, nil
}

// Initialize loads or creates the account. It is idempotent.
func (d *Device) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}
	if d.account != nil {
		return nil
	}

	pickleKey, err := d.loadPickleKey(ctx)
	if err != nil {
		return err
	}

	sealed, err := d.store.Account(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		account, err := ratchet.NewAccount(d.timeProvider.Now())
		if err != nil {
			pickleKey.Close()
			return fmt.Errorf("failed to create account: %w", err)
		}
		if err := d.persistAccount(ctx, pickleKey, account); err != nil {
			pickleKey.Close()
			account.Wipe()
			return err
		}
		d.pickleKey, d.account = pickleKey, account

		logrus.WithFields(logrus.Fields{
			"function":   "Initialize",
			"device_key": crypto.KeyPreview(account.DeviceKey()),
		}).Info("Created new device account")
		return nil
	case err != nil:
		pickleKey.Close()
		return fmt.Errorf("failed to load account: %w", err)
	}

	account, err := ratchet.UnpickleAccount(pickleKey, sealed)
	if err != nil {
		pickleKey.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Error("Stored account could not be opened")
		return fmt.Errorf("%w: %v", ErrAccountCorrupt, err)
	}
	d.pickleKey, d.account = pickleKey, account

	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"device_key": crypto.KeyPreview(account.DeviceKey()),
	}).Debug("Loaded device account")
	return nil
}

func (d *Device) loadPickleKey(ctx context.Context) (*crypto.PickleKey, error) {
	salt, err := d.store.Metadata(ctx, pickleSaltKey)
	if errors.Is(err, store.ErrNotFound) {
		salt, err = crypto.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := d.store.PutMetadata(ctx, pickleSaltKey, salt); err != nil {
			return nil, fmt.Errorf("failed to store pickle salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load pickle salt: %w", err)
	}
	return crypto.DerivePickleKey(d.secret, salt)
}

func (d *Device) persistAccount(ctx context.Context, key *crypto.PickleKey, account *ratchet.Account) error {
	pickle, err := account.Pickle(key)
	if err != nil {
		return fmt.Errorf("failed to pickle account: %w", err)
	}
	if err := d.store.PutAccount(ctx, pickle); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

// withAccount runs fn with the account held for reading. Rotation takes the
// write side, so fn sees a stable fallback key ring.
func (d *Device) withAccount(fn func(account *ratchet.Account, key *crypto.PickleKey) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.account == nil {
		if d.closed {
			return ErrDeviceClosed
		}
		return ErrNotInitialized
	}
	return fn(d.account, d.pickleKey)
}

// Keys returns the device's published keys. The zero value is returned
// before Initialize.
func (d *Device) Keys() protocol.UserDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.account == nil {
		return protocol.UserDevice{}
	}
	return protocol.UserDevice{
		DeviceKey:   d.account.DeviceKey(),
		FallbackKey: d.account.FallbackKey(),
	}
}

// DeviceKey returns the device's long-term key, or "" before Initialize.
func (d *Device) DeviceKey() string {
	return d.Keys().DeviceKey
}

// FallbackKey returns the current fallback key, or "" before Initialize.
func (d *Device) FallbackKey() string {
	return d.Keys().FallbackKey
}

// IdentityKeys returns the account's public identity keys.
func (d *Device) IdentityKeys() (ratchet.IdentityKeys, error) {
	var keys ratchet.IdentityKeys
	err := d.withAccount(func(account *ratchet.Account, _ *crypto.PickleKey) error {
		keys = account.IdentityKeys()
		return nil
	})
	return keys, err
}

// FallbackKeyAge reports how long the current fallback key has been in use.
func (d *Device) FallbackKeyAge() (time.Duration, error) {
	var age time.Duration
	err := d.withAccount(func(account *ratchet.Account, _ *crypto.PickleKey) error {
		age = account.FallbackKeyAge(d.timeProvider.Now())
		return nil
	})
	return age, err
}

// RotateFallbackKey replaces the fallback key and persists the account. The
// previous key still opens messages until the next rotation.
func (d *Device) RotateFallbackKey(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.account == nil {
		if d.closed {
			return "", ErrDeviceClosed
		}
		return "", ErrNotInitialized
	}

	key, err := d.account.RotateFallbackKey(d.timeProvider.Now())
	if err != nil {
		return "", fmt.Errorf("failed to rotate fallback key: %w", err)
	}
	if err := d.persistAccount(ctx, d.pickleKey, d.account); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "RotateFallbackKey",
		"fallback_key": crypto.KeyPreview(key),
	}).Info("Rotated fallback key")
	return key, nil
}

// Sign signs message with the account's signing key.
func (d *Device) Sign(message []byte) ([]byte, error) {
	var sig []byte
	err := d.withAccount(func(account *ratchet.Account, _ *crypto.PickleKey) error {
		sig = account.Sign(message)
		return nil
	})
	return sig, err
}

// Directory returns the device key cache.
func (d *Device) Directory() *Directory {
	return d.directory
}

// Store returns the backing store.
func (d *Device) Store() store.Store {
	return d.store
}

// TimeProvider returns the device's clock.
func (d *Device) TimeProvider() crypto.TimeProvider {
	return d.timeProvider
}

// Close wipes the in-memory account and pickle key. The store is left open
// and the device cannot be initialized again.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.account != nil {
		d.account.Wipe()
		d.account = nil
	}
	if d.pickleKey != nil {
		d.pickleKey.Close()
		d.pickleKey = nil
	}
	d.replay.Purge()
	crypto.ZeroBytes(d.secret)
}
