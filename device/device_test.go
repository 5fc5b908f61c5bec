package device

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/ratchet"
	"github.com/opd-ai/groupcrypt/store"
)

const conv = "conversation-1"

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	return newTestDeviceWithStore(t, store.NewMemory(), []byte("secret"))
}

func newTestDeviceWithStore(t *testing.T, st store.Store, secret []byte) *Device {
	t.Helper()
	d, err := New(st, Options{PickleSecret: secret})
	require.NoError(t, err)
	require.NoError(t, d.Initialize(context.Background()))
	return d
}

func TestNewRequiresSecretAndStore(t *testing.T) {
	_, err := New(store.NewMemory(), Options{})
	assert.ErrorIs(t, err, crypto.ErrEmptySecret)

	_, err = New(nil, Options{PickleSecret: []byte("x")})
	assert.Error(t, err)
}

func TestInitializeIsIdempotentAndPersistent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	d := newTestDeviceWithStore(t, st, []byte("secret"))
	keys := d.Keys()
	require.NotEmpty(t, keys.DeviceKey)
	require.NotEmpty(t, keys.FallbackKey)
	require.NoError(t, d.Initialize(ctx))
	assert.Equal(t, keys, d.Keys())

	reopened := newTestDeviceWithStore(t, st, []byte("secret"))
	assert.Equal(t, keys, reopened.Keys())
}

func TestInitializeWithWrongSecretIsCorrupt(t *testing.T) {
	st := store.NewMemory()
	newTestDeviceWithStore(t, st, []byte("secret"))

	d, err := New(st, Options{PickleSecret: []byte("other")})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Initialize(context.Background()), ErrAccountCorrupt)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	d, err := New(store.NewMemory(), Options{PickleSecret: []byte("secret")})
	require.NoError(t, err)

	assert.Empty(t, d.DeviceKey())
	_, err = d.EncryptGroupMessage(ctx, conv, []byte("hi"))
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = d.RotateFallbackKey(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestCloseWipesAccount(t *testing.T) {
	d := newTestDevice(t)
	d.Close()
	d.Close()

	_, err := d.Sign([]byte("m"))
	assert.ErrorIs(t, err, ErrDeviceClosed)
	assert.ErrorIs(t, d.Initialize(context.Background()), ErrDeviceClosed)
}

func TestEncryptCreatesSessionLazily(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	id, err := d.OutboundSessionID(ctx, conv)
	require.NoError(t, err)
	assert.Empty(t, id)

	first, err := d.EncryptGroupMessage(ctx, conv, []byte("one"))
	require.NoError(t, err)
	second, err := d.EncryptGroupMessage(ctx, conv, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	id, err = d.OutboundSessionID(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, id)

	idx, err := ratchet.MessageIndex(second.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)

	// The device can read its own messages.
	msg, err := d.DecryptGroupMessage(ctx, conv, first.SessionID, "ev-1", first.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), msg.Plaintext)
	assert.Equal(t, d.DeviceKey(), msg.SenderKey)
	assert.False(t, msg.Untrusted)
}

func TestCreateOutboundSessionRotates(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	a, err := d.CreateOutboundSession(ctx, conv)
	require.NoError(t, err)
	b, err := d.CreateOutboundSession(ctx, conv)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ids, err := d.GetInboundGroupSessionIDs(ctx, conv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, ids)

	current, err := d.OutboundSessionID(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, b, current)
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.EncryptGroupMessage(context.Background(), conv, make([]byte, 49153))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecryptUnknownSession(t *testing.T) {
	d := newTestDevice(t)
	_, err := d.DecryptGroupMessage(context.Background(), conv, "missing", "ev", []byte{3})
	assert.ErrorIs(t, err, protocol.ErrSessionNotFound)
}

func TestDecryptReplay(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)

	ct, err := d.EncryptGroupMessage(ctx, conv, []byte("hello"))
	require.NoError(t, err)

	_, err = d.DecryptGroupMessage(ctx, conv, ct.SessionID, "ev-1", ct.Ciphertext)
	require.NoError(t, err)
	_, err = d.DecryptGroupMessage(ctx, conv, ct.SessionID, "ev-1", ct.Ciphertext)
	require.NoError(t, err, "the same event may be decrypted again")
	_, err = d.DecryptGroupMessage(ctx, conv, ct.SessionID, "", ct.Ciphertext)
	require.NoError(t, err)

	_, err = d.DecryptGroupMessage(ctx, conv, ct.SessionID, "ev-2", ct.Ciphertext)
	assert.ErrorIs(t, err, crypto.ErrReplayDetected)
}

func TestShareSessionBetweenDevices(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	sessionID, sessionKey, created, err := alice.OutboundSessionKey(ctx, conv)
	require.NoError(t, err)
	assert.True(t, created)

	ct, err := alice.EncryptGroupMessage(ctx, conv, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, sessionID, ct.SessionID)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, sessionKey, alice.DeviceKey(), nil, ExtraSessionData{}))
	has, err := bob.HasInboundSessionKeys(ctx, conv, sessionID)
	require.NoError(t, err)
	assert.True(t, has)

	msg, err := bob.DecryptGroupMessage(ctx, conv, sessionID, "ev-1", ct.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Plaintext)
	assert.Equal(t, alice.DeviceKey(), msg.SenderKey)

	_, _, created, err = alice.OutboundSessionKey(ctx, conv)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAddInboundRejectsMismatchedID(t *testing.T) {
	ctx := context.Background()
	alice := newTestDevice(t)
	bob := newTestDevice(t)

	_, key, _, err := alice.OutboundSessionKey(ctx, conv)
	require.NoError(t, err)

	err = bob.AddInboundGroupSession(ctx, conv, "not-the-id", key, alice.DeviceKey(), nil, ExtraSessionData{})
	assert.ErrorIs(t, err, ErrSessionIDMismatch)

	err = bob.AddInboundGroupSession(ctx, conv, "x", "garbage", alice.DeviceKey(), nil, ExtraSessionData{})
	assert.ErrorIs(t, err, ErrInvalidSessionKey)
}

// exportsAt returns alice's session exported at index 0 and her signed key
// at index n.
func exportsAt(t *testing.T, alice *Device, n int) (sessionID, atZero, atN string) {
	t.Helper()
	ctx := context.Background()

	sessionID, _, _, err := alice.OutboundSessionKey(ctx, conv)
	require.NoError(t, err)
	exported, err := alice.ExportInboundGroupSession(ctx, conv, sessionID)
	require.NoError(t, err)
	require.NotNil(t, exported)

	for i := 0; i < n; i++ {
		_, err := alice.EncryptGroupMessage(ctx, conv, []byte("x"))
		require.NoError(t, err)
	}
	_, atN, _, err = alice.OutboundSessionKey(ctx, conv)
	require.NoError(t, err)
	return sessionID, exported.SessionKey, atN
}

func inbound(t *testing.T, d *Device, sessionID string) *ExportedSession {
	t.Helper()
	exported, err := d.ExportInboundGroupSession(context.Background(), conv, sessionID)
	require.NoError(t, err)
	require.NotNil(t, exported)
	return exported
}

func TestMergeKeepsTrustedOverUntrusted(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, _ := exportsAt(t, alice, 0)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{}))
	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{Untrusted: true}))

	assert.False(t, inbound(t, bob, sessionID).Untrusted)
}

func TestMergeKeepsLowerIndex(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, atThree := exportsAt(t, alice, 3)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{}))
	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atThree, alice.DeviceKey(), nil, ExtraSessionData{}))

	assert.Equal(t, uint32(0), inbound(t, bob, sessionID).FirstKnownIndex)
}

func TestMergeReplacesHigherIndex(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, atThree := exportsAt(t, alice, 3)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atThree, alice.DeviceKey(), nil, ExtraSessionData{Untrusted: true}))
	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{}))

	got := inbound(t, bob, sessionID)
	assert.Equal(t, uint32(0), got.FirstKnownIndex)
	assert.False(t, got.Untrusted)
}

func TestMergeUpgradesTrustInPlace(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, atThree := exportsAt(t, alice, 3)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{Untrusted: true}))
	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atThree, alice.DeviceKey(), nil, ExtraSessionData{}))

	got := inbound(t, bob, sessionID)
	assert.Equal(t, uint32(0), got.FirstKnownIndex)
	assert.False(t, got.Untrusted)
}

func TestMergeDiscardsMismatchedSession(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, atThree := exportsAt(t, alice, 3)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{Untrusted: true}))
	before := inbound(t, bob, sessionID)

	session, err := ratchet.ImportInboundGroupSession(atThree)
	require.NoError(t, err)
	export, err := session.Export(3)
	session.Wipe()
	require.NoError(t, err)
	raw, err := base64.RawStdEncoding.DecodeString(export)
	require.NoError(t, err)
	raw[5] ^= 0xff // first ratchet byte, after format and counter
	tampered := base64.RawStdEncoding.EncodeToString(raw)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, tampered, alice.DeviceKey(), nil, ExtraSessionData{}))

	after := inbound(t, bob, sessionID)
	assert.Equal(t, uint32(0), after.FirstKnownIndex)
	assert.True(t, after.Untrusted)
	assert.Equal(t, before.SessionKey, after.SessionKey)
}

func TestMergeTieStoresIncomingTrusted(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)
	sessionID, atZero, _ := exportsAt(t, alice, 0)

	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(), nil, ExtraSessionData{Untrusted: true}))
	require.NoError(t, bob.AddInboundGroupSession(ctx, conv, sessionID, atZero, alice.DeviceKey(),
		map[string]string{ClaimedSigningKey: "sig"}, ExtraSessionData{}))

	got := inbound(t, bob, sessionID)
	assert.False(t, got.Untrusted)
	assert.Equal(t, "sig", got.ClaimedKeys[ClaimedSigningKey])
}

func TestEvictInboundSession(t *testing.T) {
	ctx := context.Background()
	d := newTestDevice(t)
	id, err := d.CreateOutboundSession(ctx, conv)
	require.NoError(t, err)

	require.NoError(t, d.EvictInboundGroupSession(ctx, conv, id))
	require.NoError(t, d.EvictInboundGroupSession(ctx, conv, id))

	has, err := d.HasInboundSessionKeys(ctx, conv, id)
	require.NoError(t, err)
	assert.False(t, has)

	exported, err := d.ExportInboundGroupSession(ctx, conv, id)
	require.NoError(t, err)
	assert.Nil(t, exported)
}

func TestDeviceMessages(t *testing.T) {
	ctx := context.Background()
	alice, bob, carol := newTestDevice(t), newTestDevice(t), newTestDevice(t)

	ct, err := alice.EncryptUsingFallbackKey(ctx, bob.DeviceKey(), bob.FallbackKey(), []byte("keys"))
	require.NoError(t, err)

	got, err := bob.DecryptMessage(ctx, ct, alice.DeviceKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("keys"), got)

	_, err = bob.DecryptMessage(ctx, ct, carol.DeviceKey())
	assert.ErrorIs(t, err, ratchet.ErrSenderMismatch)

	_, err = carol.DecryptMessage(ctx, ct, alice.DeviceKey())
	assert.Error(t, err)
}

func TestDeviceMessageSurvivesOneRotation(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)

	ct, err := alice.EncryptUsingFallbackKey(ctx, bob.DeviceKey(), bob.FallbackKey(), []byte("keys"))
	require.NoError(t, err)

	old := bob.FallbackKey()
	rotated, err := bob.RotateFallbackKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, old, rotated)
	assert.Equal(t, rotated, bob.FallbackKey())

	got, err := bob.DecryptMessage(ctx, ct, alice.DeviceKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("keys"), got)

	_, err = bob.RotateFallbackKey(ctx)
	require.NoError(t, err)
	_, err = bob.DecryptMessage(ctx, ct, alice.DeviceKey())
	assert.Error(t, err)
}

func TestRotatedFallbackKeyPersists(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	d := newTestDeviceWithStore(t, st, []byte("secret"))

	rotated, err := d.RotateFallbackKey(ctx)
	require.NoError(t, err)

	reopened := newTestDeviceWithStore(t, st, []byte("secret"))
	assert.Equal(t, rotated, reopened.FallbackKey())
}

func TestSharedSessions(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestDevice(t), newTestDevice(t)

	none, err := alice.SharedOutboundSession(ctx, conv)
	require.NoError(t, err)
	assert.Nil(t, none)

	created, err := alice.CreateSharedOutboundSession(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, SharedSessionID(created.Key), created.SessionID)

	current, err := alice.SharedOutboundSession(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, created.Key, current.Key)

	assert.Equal(t, alice.DeviceKey(), current.SenderKey)

	sender := alice.DeviceKey()
	assert.ErrorIs(t, bob.AddSharedSession(ctx, conv, "wrong", sender, created.Key), ErrSessionIDMismatch)
	assert.ErrorIs(t, bob.AddSharedSession(ctx, conv, created.SessionID, sender, []byte("short")), ErrInvalidSessionKey)
	assert.ErrorIs(t, bob.AddSharedSession(ctx, conv, created.SessionID, "", created.Key), ErrInvalidSessionKey)
	require.NoError(t, bob.AddSharedSession(ctx, conv, created.SessionID, sender, created.Key))
	require.NoError(t, bob.AddSharedSession(ctx, conv, created.SessionID, bob.DeviceKey(), created.Key))

	got, err := bob.SharedSession(ctx, conv, created.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Key, got.Key)
	assert.Equal(t, sender, got.SenderKey, "first recorded creator is kept")

	ids, err := bob.SharedSessionIDs(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, []string{created.SessionID}, ids)

	convs, err := bob.SharedConversationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{conv}, convs)
}

func TestKeyedMutexHonorsContext(t *testing.T) {
	k := newKeyedMutex()
	release, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	done := make(chan struct{})
	go func() {
		r, err := k.Lock(context.Background(), "a")
		if err == nil {
			r()
		}
		close(done)
	}()
	release()
	<-done
	assert.Equal(t, 0, k.Len())
}
