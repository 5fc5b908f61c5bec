package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/ratchet"
	"github.com/opd-ai/groupcrypt/store"
)

// ClaimedSigningKey names the sender's signing key in ClaimedKeys.
const ClaimedSigningKey = "ed25519"

// GroupCiphertext is an encrypted group message.
type GroupCiphertext struct {
	SessionID  string
	Ciphertext []byte
}

// DecryptedGroupMessage is the result of DecryptGroupMessage.
type DecryptedGroupMessage struct {
	Plaintext    []byte
	SenderKey    string
	MessageIndex uint32
	// Untrusted is set when the session arrived through a bulk import.
	Untrusted bool
}

// ExtraSessionData qualifies an inbound session being added.
type ExtraSessionData struct {
	// Untrusted marks keys that did not arrive over an authenticated
	// device channel.
	Untrusted bool
}

// ExportedSession is an inbound session exported at its first known index.
type ExportedSession struct {
	ConversationID  string
	SessionID       string
	SenderKey       string
	SessionKey      string
	FirstKnownIndex uint32
	Untrusted       bool
	ClaimedKeys     map[string]string
}

// CreateOutboundSession starts a new outbound session for conversationID,
// replacing the current one, and stores the matching inbound session at
// index 0.
func (d *Device) CreateOutboundSession(ctx context.Context, conversationID string) (string, error) {
	release, err := d.outbound.Lock(ctx, conversationID)
	if err != nil {
		return "", err
	}
	defer release()

	var sessionID string
	err = d.withAccount(func(account *ratchet.Account, key *crypto.PickleKey) error {
		session, err := d.createOutboundLocked(ctx, account, key, conversationID)
		if err != nil {
			return err
		}
		sessionID = session.ID()
		session.Wipe()
		return nil
	})
	return sessionID, err
}

func (d *Device) createOutboundLocked(ctx context.Context, account *ratchet.Account, key *crypto.PickleKey, conversationID string) (*ratchet.OutboundGroupSession, error) {
	outbound, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound session: %w", err)
	}
	inbound, err := ratchet.NewInboundGroupSession(outbound.SessionKey())
	if err != nil {
		outbound.Wipe()
		return nil, fmt.Errorf("failed to create own inbound session: %w", err)
	}
	defer inbound.Wipe()

	outPickle, err := outbound.Pickle(key)
	if err != nil {
		outbound.Wipe()
		return nil, fmt.Errorf("failed to pickle outbound session: %w", err)
	}
	inPickle, err := inbound.Pickle(key)
	if err != nil {
		outbound.Wipe()
		return nil, fmt.Errorf("failed to pickle inbound session: %w", err)
	}

	now := d.timeProvider.Now()
	err = d.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.PutOutboundSession(ctx, &store.OutboundSessionRecord{
			ConversationID: conversationID,
			SessionID:      outbound.ID(),
			Pickle:         outPickle,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return tx.PutInboundSession(ctx, &store.InboundSessionRecord{
			ConversationID:  conversationID,
			SessionID:       inbound.ID(),
			SenderKey:       account.DeviceKey(),
			Pickle:          inPickle,
			FirstKnownIndex: inbound.FirstKnownIndex(),
			ClaimedKeys:     map[string]string{ClaimedSigningKey: account.IdentityKeys().Ed25519},
			CreatedAt:       now,
		})
	})
	if err != nil {
		outbound.Wipe()
		return nil, fmt.Errorf("failed to store outbound session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "CreateOutboundSession",
		"conversation_id": conversationID,
		"session_id":      protocol.ShortID(outbound.ID()),
	}).Info("Created outbound group session")

	return outbound, nil
}

// OutboundSessionID returns the current outbound session id, or "" when the
// conversation has none.
func (d *Device) OutboundSessionID(ctx context.Context, conversationID string) (string, error) {
	rec, err := d.store.OutboundSession(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

// OutboundSessionKey returns the current outbound session's key at its next
// message index, creating the session when none exists. created reports
// whether a session was created.
func (d *Device) OutboundSessionKey(ctx context.Context, conversationID string) (sessionID, sessionKey string, created bool, err error) {
	release, err := d.outbound.Lock(ctx, conversationID)
	if err != nil {
		return "", "", false, err
	}
	defer release()

	err = d.withAccount(func(account *ratchet.Account, key *crypto.PickleKey) error {
		session, isNew, err := d.loadOrCreateOutboundLocked(ctx, account, key, conversationID)
		if err != nil {
			return err
		}
		defer session.Wipe()
		sessionID, sessionKey, created = session.ID(), session.SessionKey(), isNew
		return nil
	})
	return sessionID, sessionKey, created, err
}

func (d *Device) loadOrCreateOutboundLocked(ctx context.Context, account *ratchet.Account, key *crypto.PickleKey, conversationID string) (*ratchet.OutboundGroupSession, bool, error) {
	rec, err := d.store.OutboundSession(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		session, err := d.createOutboundLocked(ctx, account, key, conversationID)
		return session, true, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load outbound session: %w", err)
	}
	session, err := ratchet.UnpickleOutboundGroupSession(key, rec.Pickle)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open outbound session: %w", err)
	}
	return session, false, nil
}

// EncryptGroupMessage encrypts plaintext with the conversation's outbound
// session, creating one when needed. The advanced ratchet is stored before
// the ciphertext is returned.
func (d *Device) EncryptGroupMessage(ctx context.Context, conversationID string, plaintext []byte) (*GroupCiphertext, error) {
	if err := limits.ValidateGroupPlaintext(plaintext); err != nil {
		return nil, err
	}

	release, err := d.outbound.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *GroupCiphertext
	err = d.withAccount(func(account *ratchet.Account, key *crypto.PickleKey) error {
		session, _, err := d.loadOrCreateOutboundLocked(ctx, account, key, conversationID)
		if err != nil {
			return err
		}
		defer session.Wipe()

		ciphertext, err := session.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("failed to encrypt group message: %w", err)
		}
		pickle, err := session.Pickle(key)
		if err != nil {
			return fmt.Errorf("failed to pickle outbound session: %w", err)
		}
		if err := d.store.PutOutboundSession(ctx, &store.OutboundSessionRecord{
			ConversationID: conversationID,
			SessionID:      session.ID(),
			Pickle:         pickle,
			CreatedAt:      d.timeProvider.Now(),
		}); err != nil {
			return fmt.Errorf("failed to store advanced outbound session: %w", err)
		}

		out = &GroupCiphertext{SessionID: session.ID(), Ciphertext: ciphertext}
		return nil
	})
	return out, err
}

// DecryptGroupMessage decrypts a group message with the stored inbound
// session. eventID identifies the carrying event for replay detection; an
// empty eventID skips the check.
func (d *Device) DecryptGroupMessage(ctx context.Context, conversationID, sessionID, eventID string, ciphertext []byte) (*DecryptedGroupMessage, error) {
	rec, err := d.store.InboundSession(ctx, conversationID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", protocol.ErrSessionNotFound, protocol.ShortID(sessionID), conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inbound session: %w", err)
	}

	var out *DecryptedGroupMessage
	err = d.withAccount(func(_ *ratchet.Account, key *crypto.PickleKey) error {
		session, err := ratchet.UnpickleInboundGroupSession(key, rec.Pickle)
		if err != nil {
			return fmt.Errorf("failed to open inbound session: %w", err)
		}
		defer session.Wipe()

		plaintext, index, err := session.Decrypt(ciphertext)
		if err != nil {
			return err
		}
		out = &DecryptedGroupMessage{
			Plaintext:    plaintext,
			SenderKey:    rec.SenderKey,
			MessageIndex: index,
			Untrusted:    rec.Untrusted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := d.replay.Check(ctx, rec.SenderKey, sessionID, out.MessageIndex, eventID); err != nil {
		crypto.ZeroBytes(out.Plaintext)
		return nil, err
	}
	return out, nil
}

// AddInboundGroupSession adds or merges an inbound session from an exported
// or signed session key. senderKey is the device key of the session's
// creator.
func (d *Device) AddInboundGroupSession(ctx context.Context, conversationID, sessionID, sessionKey, senderKey string, claimedKeys map[string]string, extra ExtraSessionData) error {
	session, err := ratchet.ImportInboundGroupSession(sessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionKey, err)
	}
	defer session.Wipe()

	if session.ID() != sessionID {
		return fmt.Errorf("%w: expected %s, key is for %s", ErrSessionIDMismatch,
			protocol.ShortID(sessionID), protocol.ShortID(session.ID()))
	}

	return d.withAccount(func(_ *ratchet.Account, key *crypto.PickleKey) error {
		return d.store.WithTx(ctx, func(tx store.Store) error {
			return d.mergeInboundLocked(ctx, tx, key, conversationID, senderKey, claimedKeys, session, extra)
		})
	})
}

func (d *Device) mergeInboundLocked(ctx context.Context, tx store.Store, key *crypto.PickleKey, conversationID, senderKey string, claimedKeys map[string]string, session *ratchet.InboundGroupSession, extra ExtraSessionData) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":        "AddInboundGroupSession",
		"conversation_id": conversationID,
		"session_id":      protocol.ShortID(session.ID()),
	})

	existing, err := tx.InboundSession(ctx, conversationID, session.ID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return fmt.Errorf("failed to load inbound session: %w", err)
	}

	if existing != nil && existing.FirstKnownIndex <= session.FirstKnownIndex() {
		if !existing.Untrusted || extra.Untrusted {
			logger.Debug("Keeping existing inbound session")
			return nil
		}
		if existing.FirstKnownIndex < session.FirstKnownIndex() {
			return d.upgradeTrustLocked(ctx, tx, key, existing, session, logger)
		}
	}

	pickle, err := session.Pickle(key)
	if err != nil {
		return fmt.Errorf("failed to pickle inbound session: %w", err)
	}
	if err := tx.PutInboundSession(ctx, &store.InboundSessionRecord{
		ConversationID:  conversationID,
		SessionID:       session.ID(),
		SenderKey:       senderKey,
		Pickle:          pickle,
		FirstKnownIndex: session.FirstKnownIndex(),
		Untrusted:       extra.Untrusted,
		ClaimedKeys:     claimedKeys,
		CreatedAt:       d.timeProvider.Now(),
	}); err != nil {
		return fmt.Errorf("failed to store inbound session: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"first_known_index": session.FirstKnownIndex(),
		"untrusted":         extra.Untrusted,
		"replaced":          existing != nil,
	}).Debug("Stored inbound session")
	return nil
}

// upgradeTrustLocked marks existing as trusted when the trusted newcomer,
// which starts later, derives from the same ratchet.
func (d *Device) upgradeTrustLocked(ctx context.Context, tx store.Store, key *crypto.PickleKey, existing *store.InboundSessionRecord, incoming *ratchet.InboundGroupSession, logger *logrus.Entry) error {
	current, err := ratchet.UnpickleInboundGroupSession(key, existing.Pickle)
	if err != nil {
		return fmt.Errorf("failed to open inbound session: %w", err)
	}
	defer current.Wipe()

	at := incoming.FirstKnownIndex()
	ours, err := current.Export(at)
	if err != nil {
		return err
	}
	theirs, err := incoming.Export(at)
	if err != nil {
		return err
	}
	if ours != theirs {
		logger.Warn("Received session does not match existing session, keeping existing session")
		return nil
	}

	existing.Untrusted = false
	if err := tx.PutInboundSession(ctx, existing); err != nil {
		return fmt.Errorf("failed to store upgraded inbound session: %w", err)
	}
	logger.Info("Upgraded inbound session to trusted")
	return nil
}

// ExportInboundGroupSession exports a stored session at its first known
// index. It returns nil when the session is unknown.
func (d *Device) ExportInboundGroupSession(ctx context.Context, conversationID, sessionID string) (*ExportedSession, error) {
	rec, err := d.store.InboundSession(ctx, conversationID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load inbound session: %w", err)
	}

	var out *ExportedSession
	err = d.withAccount(func(_ *ratchet.Account, key *crypto.PickleKey) error {
		session, err := ratchet.UnpickleInboundGroupSession(key, rec.Pickle)
		if err != nil {
			return fmt.Errorf("failed to open inbound session: %w", err)
		}
		defer session.Wipe()

		exported, err := session.Export(session.FirstKnownIndex())
		if err != nil {
			return err
		}
		out = &ExportedSession{
			ConversationID:  rec.ConversationID,
			SessionID:       rec.SessionID,
			SenderKey:       rec.SenderKey,
			SessionKey:      exported,
			FirstKnownIndex: session.FirstKnownIndex(),
			Untrusted:       rec.Untrusted,
			ClaimedKeys:     rec.ClaimedKeys,
		}
		return nil
	})
	return out, err
}

// HasInboundSessionKeys reports whether the session is stored.
func (d *Device) HasInboundSessionKeys(ctx context.Context, conversationID, sessionID string) (bool, error) {
	_, err := d.store.InboundSession(ctx, conversationID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetInboundGroupSessionIDs returns the sorted session ids held for a
// conversation.
func (d *Device) GetInboundGroupSessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return d.store.InboundSessionIDs(ctx, conversationID)
}

// InboundConversationIDs returns every conversation with inbound sessions.
func (d *Device) InboundConversationIDs(ctx context.Context) ([]string, error) {
	return d.store.InboundConversationIDs(ctx)
}

// EvictInboundGroupSession deletes a stored session. Evicting an unknown
// session is not an error.
func (d *Device) EvictInboundGroupSession(ctx context.Context, conversationID, sessionID string) error {
	if err := d.store.DeleteInboundSession(ctx, conversationID, sessionID); err != nil {
		return fmt.Errorf("failed to evict inbound session: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":        "EvictInboundGroupSession",
		"conversation_id": conversationID,
		"session_id":      protocol.ShortID(sessionID),
	}).Info("Evicted inbound session")
	return nil
}
