package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/ratchet"
	"github.com/opd-ai/groupcrypt/store"
)

// SharedKeySize is the size of a shared-secret session key.
const SharedKeySize = 32

// SharedSession is a shared-secret session. Every member holding Key can
// both encrypt and decrypt. SenderKey is the device key of the member that
// created the session and shared it.
type SharedSession struct {
	ConversationID string
	SessionID      string
	SenderKey      string
	Key            []byte
}

// SharedSessionID derives a shared session's id from its key.
func SharedSessionID(key []byte) string {
	sum := sha256.Sum256(key)
	return crypto.EncodeKey(sum[:])
}

// CreateSharedOutboundSession creates a shared-secret session and makes it
// the conversation's current one.
func (d *Device) CreateSharedOutboundSession(ctx context.Context, conversationID string) (*SharedSession, error) {
	release, err := d.outbound.Lock(ctx, "shared:"+conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	key := make([]byte, SharedKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate shared key: %w", err)
	}
	session := &SharedSession{
		ConversationID: conversationID,
		SessionID:      SharedSessionID(key),
		SenderKey:      d.DeviceKey(),
		Key:            key,
	}

	err = d.withAccount(func(_ *ratchet.Account, pk *crypto.PickleKey) error {
		sealed, err := pk.Seal(key)
		if err != nil {
			return err
		}
		return d.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.PutSharedSession(ctx, &store.SharedSessionRecord{
				ConversationID: conversationID,
				SessionID:      session.SessionID,
				SenderKey:      session.SenderKey,
				Key:            sealed,
				CreatedAt:      d.timeProvider.Now(),
			}); err != nil {
				return err
			}
			return tx.PutSharedOutboundSessionID(ctx, conversationID, session.SessionID)
		})
	})
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, fmt.Errorf("failed to store shared session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "CreateSharedOutboundSession",
		"conversation_id": conversationID,
		"session_id":      protocol.ShortID(session.SessionID),
	}).Info("Created shared session")
	return session, nil
}

// SharedOutboundSession returns the conversation's current shared session,
// or nil when there is none.
func (d *Device) SharedOutboundSession(ctx context.Context, conversationID string) (*SharedSession, error) {
	sessionID, err := d.store.SharedOutboundSessionID(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.SharedSession(ctx, conversationID, sessionID)
}

// SharedSession returns a stored shared session, or nil when unknown.
func (d *Device) SharedSession(ctx context.Context, conversationID, sessionID string) (*SharedSession, error) {
	rec, err := d.store.SharedSession(ctx, conversationID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var key []byte
	err = d.withAccount(func(_ *ratchet.Account, pk *crypto.PickleKey) error {
		key, err = pk.Open(rec.Key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open shared session: %w", err)
	}
	return &SharedSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		SenderKey:      rec.SenderKey,
		Key:            key,
	}, nil
}

// AddSharedSession stores a shared session received from the device with
// senderKey. The id must match the key. Adding a known session is a no-op,
// so the first recorded creator is kept.
func (d *Device) AddSharedSession(ctx context.Context, conversationID, sessionID, senderKey string, key []byte) error {
	if senderKey == "" {
		return fmt.Errorf("%w: missing sender key", ErrInvalidSessionKey)
	}
	if len(key) != SharedKeySize {
		return fmt.Errorf("%w: shared key is %d bytes", ErrInvalidSessionKey, len(key))
	}
	if SharedSessionID(key) != sessionID {
		return fmt.Errorf("%w: %s", ErrSessionIDMismatch, protocol.ShortID(sessionID))
	}

	return d.withAccount(func(_ *ratchet.Account, pk *crypto.PickleKey) error {
		return d.store.WithTx(ctx, func(tx store.Store) error {
			_, err := tx.SharedSession(ctx, conversationID, sessionID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			sealed, err := pk.Seal(key)
			if err != nil {
				return err
			}
			return tx.PutSharedSession(ctx, &store.SharedSessionRecord{
				ConversationID: conversationID,
				SessionID:      sessionID,
				SenderKey:      senderKey,
				Key:            sealed,
				CreatedAt:      d.timeProvider.Now(),
			})
		})
	})
}

// SharedSessionIDs returns the sorted shared session ids of a conversation.
func (d *Device) SharedSessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return d.store.SharedSessionIDs(ctx, conversationID)
}

// SharedConversationIDs returns every conversation with shared sessions.
func (d *Device) SharedConversationIDs(ctx context.Context) ([]string, error) {
	return d.store.SharedConversationIDs(ctx)
}
