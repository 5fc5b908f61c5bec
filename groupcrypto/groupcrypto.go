package groupcrypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/protocol"
)

const (
	// DefaultShareConcurrency bounds parallel per-device encryptions.
	DefaultShareConcurrency = 8
	// DefaultShareMaxElapsed bounds retries of one bundle send.
	DefaultShareMaxElapsed = 30 * time.Second
)

// Options configures GroupEncryptionCrypto.
type Options struct {
	// UserID is the local user, recorded as the sender of shared bundles.
	UserID           string
	ShareConcurrency int
	ShareMaxElapsed  time.Duration
}

// GroupEncryptionCrypto routes group encryption calls to the variant of each
// algorithm.
type GroupEncryptionCrypto struct {
	device *device.Device
	sharer *sharer

	groupRatchet *groupRatchet
	sharedSecret *sharedSecret

	// background shares of new sessions
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher over dev and transport.
func New(dev *device.Device, transport Transport, opts Options) *GroupEncryptionCrypto {
	if opts.ShareConcurrency <= 0 {
		opts.ShareConcurrency = DefaultShareConcurrency
	}
	if opts.ShareMaxElapsed <= 0 {
		opts.ShareMaxElapsed = DefaultShareMaxElapsed
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &GroupEncryptionCrypto{
		device: dev,
		sharer: &sharer{
			device:      dev,
			transport:   transport,
			userID:      opts.UserID,
			concurrency: opts.ShareConcurrency,
			maxElapsed:  opts.ShareMaxElapsed,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	g.groupRatchet = &groupRatchet{device: dev, share: g.shareNewSession}
	g.sharedSecret = &sharedSecret{device: dev, share: g.shareNewSession}
	return g
}

func (g *GroupEncryptionCrypto) encryptor(algorithm protocol.Algorithm) (Encryptor, error) {
	switch algorithm {
	case protocol.AlgorithmGroupRatchet:
		return g.groupRatchet, nil
	case protocol.AlgorithmSharedSecret:
		return g.sharedSecret, nil
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownAlgorithm, algorithm)
	}
}

func (g *GroupEncryptionCrypto) decryptor(algorithm protocol.Algorithm) (Decryptor, error) {
	switch algorithm {
	case protocol.AlgorithmGroupRatchet:
		return g.groupRatchet, nil
	case protocol.AlgorithmSharedSecret:
		return g.sharedSecret, nil
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownAlgorithm, algorithm)
	}
}

func (g *GroupEncryptionCrypto) decryptors() []Decryptor {
	out := make([]Decryptor, 0, len(protocol.Algorithms()))
	for _, algorithm := range protocol.Algorithms() {
		d, err := g.decryptor(algorithm)
		if err == nil {
			out = append(out, d)
		}
	}
	return out
}

// shareNewSession shares a session an encryptor just created with the
// conversation's devices.
func (g *GroupEncryptionCrypto) shareNewSession(ctx context.Context, session protocol.GroupEncryptionSession, opts EnsureOptions) error {
	run := func(ctx context.Context) error {
		recipients, err := g.sharer.resolveRecipients(ctx, session.ConversationID)
		if err != nil {
			return err
		}
		return g.sharer.share(ctx, session.ConversationID, []protocol.GroupEncryptionSession{session}, recipients, session.Algorithm)
	}
	if opts.AwaitInitialShare {
		return run(ctx)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if err := run(g.ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "shareNewSession",
				"conversation_id": session.ConversationID,
				"session_id":      protocol.ShortID(session.SessionID),
				"error":           err.Error(),
			}).Warn("Background session share failed")
		}
	}()
	return nil
}

// EnsureOutboundSession creates and shares an outbound session for the
// algorithm when the conversation has none.
func (g *GroupEncryptionCrypto) EnsureOutboundSession(ctx context.Context, conversationID string, algorithm protocol.Algorithm, opts EnsureOptions) error {
	enc, err := g.encryptor(algorithm)
	if err != nil {
		return err
	}
	return enc.EnsureOutboundSession(ctx, conversationID, opts)
}

// EncryptGroupEvent encrypts plaintext for the conversation.
func (g *GroupEncryptionCrypto) EncryptGroupEvent(ctx context.Context, conversationID string, plaintext []byte, algorithm protocol.Algorithm) (*protocol.EncryptedData, error) {
	enc, err := g.encryptor(algorithm)
	if err != nil {
		return nil, err
	}
	return enc.Encrypt(ctx, conversationID, plaintext)
}

// DecryptGroupEvent decrypts a group payload. eventID identifies the
// carrying event for replay detection.
func (g *GroupEncryptionCrypto) DecryptGroupEvent(ctx context.Context, conversationID, eventID string, data *protocol.EncryptedData) (*Decrypted, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformedSession)
	}
	if data.Overlay != nil {
		return nil, ErrOverlayContent
	}
	if err := limits.ValidateProcessingBuffer(data.Ciphertext); err != nil {
		return nil, err
	}
	dec, err := g.decryptor(data.Algorithm)
	if err != nil {
		return nil, err
	}
	return dec.Decrypt(ctx, conversationID, eventID, data)
}

// ImportSessionKeys adds sessions received over the device channel. Every
// session is attempted; failures are combined into the returned error.
func (g *GroupEncryptionCrypto) ImportSessionKeys(ctx context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, untrusted bool) error {
	var errs error
	for _, session := range sessions {
		session.ConversationID = conversationID
		errs = multierr.Append(errs, g.importOne(ctx, session, untrusted))
	}
	return errs
}

func (g *GroupEncryptionCrypto) importOne(ctx context.Context, session protocol.GroupEncryptionSession, untrusted bool) error {
	if err := validateSession(session); err != nil {
		return err
	}
	dec, err := g.decryptor(session.Algorithm)
	if err != nil {
		return err
	}
	if err := dec.ImportSession(ctx, session, untrusted); err != nil {
		return fmt.Errorf("session %s: %w", protocol.ShortID(session.SessionID), err)
	}
	return nil
}

func validateSession(session protocol.GroupEncryptionSession) error {
	switch {
	case session.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrMalformedSession)
	case session.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrMalformedSession)
	case session.SessionKey == "":
		return fmt.Errorf("%w: missing session key", ErrMalformedSession)
	case !session.Algorithm.Valid():
		return fmt.Errorf("%w: missing algorithm", ErrMalformedSession)
	}
	return nil
}

// ExportGroupSession exports a session from whichever variant holds it, or
// returns nil.
func (g *GroupEncryptionCrypto) ExportGroupSession(ctx context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error) {
	for _, dec := range g.decryptors() {
		session, err := dec.ExportSession(ctx, conversationID, sessionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
	}
	return nil, nil
}

// ExportRoomKeys exports every session held by every variant.
func (g *GroupEncryptionCrypto) ExportRoomKeys(ctx context.Context) ([]protocol.GroupEncryptionSession, error) {
	var out []protocol.GroupEncryptionSession
	for _, dec := range g.decryptors() {
		conversations, err := dec.ConversationIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, conversationID := range conversations {
			ids, err := dec.SessionIDs(ctx, conversationID)
			if err != nil {
				return nil, err
			}
			for _, sessionID := range ids {
				session, err := dec.ExportSession(ctx, conversationID, sessionID)
				if err != nil {
					return nil, err
				}
				if session != nil {
					out = append(out, *session)
				}
			}
		}
	}
	return out, nil
}

// GetGroupSessionIDs returns the sorted session ids the algorithm holds for
// a conversation.
func (g *GroupEncryptionCrypto) GetGroupSessionIDs(ctx context.Context, conversationID string, algorithm protocol.Algorithm) ([]string, error) {
	dec, err := g.decryptor(algorithm)
	if err != nil {
		return nil, err
	}
	return dec.SessionIDs(ctx, conversationID)
}

// HasSessionKey reports whether the algorithm holds the session.
func (g *GroupEncryptionCrypto) HasSessionKey(ctx context.Context, conversationID, sessionID string, algorithm protocol.Algorithm) (bool, error) {
	dec, err := g.decryptor(algorithm)
	if err != nil {
		return false, err
	}
	return dec.HasSession(ctx, conversationID, sessionID)
}

// EncryptAndShareGroupSessions sends sessions to every recipient device
// except this one.
func (g *GroupEncryptionCrypto) EncryptAndShareGroupSessions(ctx context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, recipients protocol.DeviceDirectory, algorithm protocol.Algorithm) error {
	if !algorithm.Valid() {
		return fmt.Errorf("%w: %d", protocol.ErrUnknownAlgorithm, algorithm)
	}
	return g.sharer.share(ctx, conversationID, sessions, recipients, algorithm)
}

// DecryptSessionKeys opens this device's ciphertext in bundle and returns
// the session keys, one per bundle.SessionIDs entry.
func (g *GroupEncryptionCrypto) DecryptSessionKeys(ctx context.Context, bundle *protocol.SessionKeysBundle) ([]string, error) {
	ct, ok := bundle.Ciphertexts[g.device.DeviceKey()]
	if !ok {
		return nil, ErrNotForThisDevice
	}
	plaintext, err := g.device.DecryptMessage(ctx, ct, bundle.SenderDeviceKey)
	if err != nil {
		return nil, err
	}

	var payload protocol.SessionKeysPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode session keys: %w", err)
	}
	if len(payload.Keys) != len(bundle.SessionIDs) {
		return nil, fmt.Errorf("%w: %d keys for %d sessions", ErrKeyCountMismatch, len(payload.Keys), len(bundle.SessionIDs))
	}
	return payload.Keys, nil
}

// Close waits for background shares. When ctx ends first the shares are
// cancelled.
func (g *GroupEncryptionCrypto) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		<-done
		return ctx.Err()
	}
}
