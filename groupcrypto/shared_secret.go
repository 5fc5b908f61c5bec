package groupcrypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/protocol"
)

const gcmNonceSize = 12

// sharedSecret is the AlgorithmSharedSecret variant. Ciphertexts are
// nonce || AES-256-GCM(plaintext) with the conversation and session id as
// additional data.
type sharedSecret struct {
	device *device.Device
	share  shareFunc

	// mu makes lookup-or-create of the outbound session atomic.
	mu sync.Mutex
}

var (
	_ Encryptor = (*sharedSecret)(nil)
	_ Decryptor = (*sharedSecret)(nil)
)

func (s *sharedSecret) Algorithm() protocol.Algorithm {
	return protocol.AlgorithmSharedSecret
}

func (s *sharedSecret) EnsureOutboundSession(ctx context.Context, conversationID string, opts EnsureOptions) error {
	_, err := s.outbound(ctx, conversationID, opts)
	return err
}

func (s *sharedSecret) outbound(ctx context.Context, conversationID string, opts EnsureOptions) (*device.SharedSession, error) {
	s.mu.Lock()
	session, err := s.device.SharedOutboundSession(ctx, conversationID)
	if err != nil || session != nil {
		s.mu.Unlock()
		return session, err
	}
	session, err = s.device.CreateSharedOutboundSession(ctx, conversationID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	err = s.share(ctx, protocol.GroupEncryptionSession{
		ConversationID: conversationID,
		SessionID:      session.SessionID,
		SessionKey:     base64.StdEncoding.EncodeToString(session.Key),
		Algorithm:      protocol.AlgorithmSharedSecret,
		SenderKey:      s.device.DeviceKey(),
	}, opts)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sharedSecret) Encrypt(ctx context.Context, conversationID string, plaintext []byte) (*protocol.EncryptedData, error) {
	if err := limits.ValidateGroupPlaintext(plaintext); err != nil {
		return nil, err
	}
	session, err := s.outbound(ctx, conversationID, EnsureOptions{})
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(session.Key)

	aead, err := newGCM(session.Key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, additionalData(conversationID, session.SessionID))

	return &protocol.EncryptedData{
		Algorithm:  protocol.AlgorithmSharedSecret,
		SenderKey:  s.device.DeviceKey(),
		SessionID:  session.SessionID,
		Ciphertext: ciphertext,
	}, nil
}

func (s *sharedSecret) Decrypt(ctx context.Context, conversationID, _ string, data *protocol.EncryptedData) (*Decrypted, error) {
	session, err := s.device.SharedSession(ctx, conversationID, data.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s in %s", protocol.ErrSessionNotFound, protocol.ShortID(data.SessionID), conversationID)
	}
	defer crypto.ZeroBytes(session.Key)

	if len(data.Ciphertext) < gcmNonceSize {
		return nil, fmt.Errorf("shared ciphertext too short: %d bytes", len(data.Ciphertext))
	}
	aead, err := newGCM(session.Key)
	if err != nil {
		return nil, err
	}
	nonce, sealed := data.Ciphertext[:gcmNonceSize], data.Ciphertext[gcmNonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, additionalData(conversationID, data.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt shared content: %w", err)
	}
	return &Decrypted{Plaintext: plaintext, SenderKey: session.SenderKey}, nil
}

func (s *sharedSecret) ImportSession(ctx context.Context, session protocol.GroupEncryptionSession, _ bool) error {
	key, err := base64.StdEncoding.DecodeString(session.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrInvalidSessionKey, err)
	}
	defer crypto.ZeroBytes(key)
	return s.device.AddSharedSession(ctx, session.ConversationID, session.SessionID, session.SenderKey, key)
}

func (s *sharedSecret) ExportSession(ctx context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error) {
	session, err := s.device.SharedSession(ctx, conversationID, sessionID)
	if err != nil || session == nil {
		return nil, err
	}
	defer crypto.ZeroBytes(session.Key)
	return &protocol.GroupEncryptionSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		SessionKey:     base64.StdEncoding.EncodeToString(session.Key),
		Algorithm:      protocol.AlgorithmSharedSecret,
		SenderKey:      session.SenderKey,
	}, nil
}

func (s *sharedSecret) SessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.device.SharedSessionIDs(ctx, conversationID)
}

func (s *sharedSecret) HasSession(ctx context.Context, conversationID, sessionID string) (bool, error) {
	session, err := s.device.SharedSession(ctx, conversationID, sessionID)
	if err != nil || session == nil {
		return false, err
	}
	crypto.ZeroBytes(session.Key)
	return true, nil
}

func (s *sharedSecret) ConversationIDs(ctx context.Context) ([]string, error) {
	return s.device.SharedConversationIDs(ctx)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func additionalData(conversationID, sessionID string) []byte {
	ad := make([]byte, 0, len(conversationID)+1+len(sessionID))
	ad = append(ad, conversationID...)
	ad = append(ad, 0)
	return append(ad, sessionID...)
}
