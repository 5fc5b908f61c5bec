package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite-memory", func(t *testing.T) Store {
			s, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			return s
		}},
		{"sqlite-file", func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "sessions.db"))
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func TestAccountAndMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Account(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutAccount(ctx, []byte("v1")))
		require.NoError(t, s.PutAccount(ctx, []byte("v2")))
		got, err := s.Account(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		_, err = s.Metadata(ctx, "salt")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.PutMetadata(ctx, "salt", []byte{1, 2}))
		salt, err := s.Metadata(ctx, "salt")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2}, salt)
	})
}

func TestOutboundSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000)

		_, err := s.OutboundSession(ctx, "conv")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutOutboundSession(ctx, &OutboundSessionRecord{
			ConversationID: "conv", SessionID: "s1", Pickle: []byte("p1"), CreatedAt: now,
		}))
		require.NoError(t, s.PutOutboundSession(ctx, &OutboundSessionRecord{
			ConversationID: "conv", SessionID: "s2", Pickle: []byte("p2"), CreatedAt: now,
		}))

		rec, err := s.OutboundSession(ctx, "conv")
		require.NoError(t, err)
		assert.Equal(t, "s2", rec.SessionID, "exactly one current outbound session")
		assert.Equal(t, []byte("p2"), rec.Pickle)
		assert.True(t, now.Equal(rec.CreatedAt))
	})
}

func TestInboundSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := &InboundSessionRecord{
			ConversationID:  "conv",
			SessionID:       "s-b",
			SenderKey:       "sender",
			Pickle:          []byte("pickle"),
			FirstKnownIndex: 7,
			Untrusted:       true,
			ClaimedKeys:     map[string]string{"ed25519": "key"},
			CreatedAt:       time.UnixMilli(1000),
		}
		require.NoError(t, s.PutInboundSession(ctx, rec))
		require.NoError(t, s.PutInboundSession(ctx, &InboundSessionRecord{
			ConversationID: "conv", SessionID: "s-a", SenderKey: "sender", Pickle: []byte("x"),
		}))
		require.NoError(t, s.PutInboundSession(ctx, &InboundSessionRecord{
			ConversationID: "other", SessionID: "s-c", SenderKey: "sender", Pickle: []byte("y"),
		}))

		got, err := s.InboundSession(ctx, "conv", "s-b")
		require.NoError(t, err)
		assert.Equal(t, rec.SenderKey, got.SenderKey)
		assert.Equal(t, uint32(7), got.FirstKnownIndex)
		assert.True(t, got.Untrusted)
		assert.Equal(t, rec.ClaimedKeys, got.ClaimedKeys)

		ids, err := s.InboundSessionIDs(ctx, "conv")
		require.NoError(t, err)
		assert.Equal(t, []string{"s-a", "s-b"}, ids)

		convs, err := s.InboundConversationIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"conv", "other"}, convs)

		got.Untrusted = false
		require.NoError(t, s.PutInboundSession(ctx, got))
		again, err := s.InboundSession(ctx, "conv", "s-b")
		require.NoError(t, err)
		assert.False(t, again.Untrusted)

		require.NoError(t, s.DeleteInboundSession(ctx, "conv", "s-b"))
		_, err = s.InboundSession(ctx, "conv", "s-b")
		assert.ErrorIs(t, err, ErrNotFound)

		empty, err := s.InboundSessionIDs(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestSharedSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.SharedOutboundSessionID(ctx, "conv")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutSharedSession(ctx, &SharedSessionRecord{ConversationID: "conv", SessionID: "h1", SenderKey: "creator", Key: []byte("k1")}))
		require.NoError(t, s.PutSharedSession(ctx, &SharedSessionRecord{ConversationID: "conv", SessionID: "h0", Key: []byte("k0")}))
		require.NoError(t, s.PutSharedOutboundSessionID(ctx, "conv", "h1"))

		id, err := s.SharedOutboundSessionID(ctx, "conv")
		require.NoError(t, err)
		assert.Equal(t, "h1", id)

		rec, err := s.SharedSession(ctx, "conv", "h1")
		require.NoError(t, err)
		assert.Equal(t, []byte("k1"), rec.Key)
		assert.Equal(t, "creator", rec.SenderKey)

		ids, err := s.SharedSessionIDs(ctx, "conv")
		require.NoError(t, err)
		assert.Equal(t, []string{"h0", "h1"}, ids)

		convs, err := s.SharedConversationIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"conv"}, convs)

		_, err = s.SharedSession(ctx, "conv", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeviceKeysExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.UnixMilli(1700000000000)
		devices := []protocol.UserDevice{{DeviceKey: "d1", FallbackKey: "f1"}}

		require.NoError(t, s.PutDeviceKeys(ctx, &DeviceKeysRecord{UserID: "alice", Devices: devices, ExpiresAt: now.Add(time.Minute)}))
		require.NoError(t, s.PutDeviceKeys(ctx, &DeviceKeysRecord{UserID: "bob", Devices: devices, ExpiresAt: now.Add(-time.Minute)}))

		rec, err := s.DeviceKeys(ctx, "alice", now)
		require.NoError(t, err)
		assert.Equal(t, devices, rec.Devices)

		_, err = s.DeviceKeys(ctx, "bob", now)
		assert.ErrorIs(t, err, ErrNotFound, "expired entries are invisible")

		removed, err := s.DeleteExpiredDeviceKeys(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		removed, err = s.DeleteExpiredDeviceKeys(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, err = s.DeviceKeys(ctx, "alice", now)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReplayRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, found, err := s.ReplayRecord(ctx, "sender", "session", 1)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.PutReplayRecord(ctx, "sender", "session", 1, "event-a", time.Now()))
		require.NoError(t, s.PutReplayRecord(ctx, "sender", "session", 1, "event-b", time.Now()))

		id, found, err := s.ReplayRecord(ctx, "sender", "session", 1)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "event-a", id, "first event wins")
	})
}

func TestWithTxCommitAndRollback(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.WithTx(ctx, func(tx Store) error {
			if err := tx.PutOutboundSession(ctx, &OutboundSessionRecord{ConversationID: "conv", SessionID: "s1", Pickle: []byte("o")}); err != nil {
				return err
			}
			return tx.PutInboundSession(ctx, &InboundSessionRecord{ConversationID: "conv", SessionID: "s1", SenderKey: "me", Pickle: []byte("i")})
		})
		require.NoError(t, err)

		_, err = s.OutboundSession(ctx, "conv")
		require.NoError(t, err)
		_, err = s.InboundSession(ctx, "conv", "s1")
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.WithTx(ctx, func(tx Store) error {
			require.NoError(t, tx.PutOutboundSession(ctx, &OutboundSessionRecord{ConversationID: "conv", SessionID: "s2", Pickle: []byte("o2")}))
			seen, err := tx.OutboundSession(ctx, "conv")
			require.NoError(t, err)
			assert.Equal(t, "s2", seen.SessionID, "writes are visible inside the transaction")
			return boom
		})
		assert.ErrorIs(t, err, boom)

		rec, err := s.OutboundSession(ctx, "conv")
		require.NoError(t, err)
		assert.Equal(t, "s1", rec.SessionID, "rollback restores prior state")
	})
}

func TestWithTxNested(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.WithTx(ctx, func(tx Store) error {
			return tx.WithTx(ctx, func(inner Store) error {
				return inner.PutMetadata(ctx, "k", []byte("v"))
			})
		})
		require.NoError(t, err)

		v, err := s.Metadata(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		err = s.WithTx(ctx, func(tx Store) error {
			_ = tx.WithTx(ctx, func(inner Store) error {
				return inner.PutMetadata(ctx, "k", []byte("changed"))
			})
			return errors.New("outer fails")
		})
		require.Error(t, err)

		v, err = s.Metadata(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v, "inner writes roll back with the outer transaction")
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.PutAccount(ctx, []byte("account")))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("account"), got)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	_, err := m.Account(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.PutAccount(context.Background(), nil), ErrClosed)
	assert.ErrorIs(t, m.WithTx(context.Background(), func(Store) error { return nil }), ErrClosed)

	_, err = OpenSQLite("")
	assert.Error(t, err)
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	pickle := []byte("abc")
	require.NoError(t, m.PutAccount(ctx, pickle))
	pickle[0] = 'X'

	got, err := m.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'Y'

	again, err := m.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
