package groupcrypto

import (
	"context"

	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/protocol"
)

// groupRatchet is the AlgorithmGroupRatchet variant.
type groupRatchet struct {
	device *device.Device
	share  shareFunc
}

var (
	_ Encryptor = (*groupRatchet)(nil)
	_ Decryptor = (*groupRatchet)(nil)
)

func (g *groupRatchet) Algorithm() protocol.Algorithm {
	return protocol.AlgorithmGroupRatchet
}

func (g *groupRatchet) EnsureOutboundSession(ctx context.Context, conversationID string, opts EnsureOptions) error {
	sessionID, sessionKey, created, err := g.device.OutboundSessionKey(ctx, conversationID)
	if err != nil || !created {
		return err
	}
	return g.share(ctx, protocol.GroupEncryptionSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		SessionKey:     sessionKey,
		Algorithm:      protocol.AlgorithmGroupRatchet,
		SenderKey:      g.device.DeviceKey(),
	}, opts)
}

func (g *groupRatchet) Encrypt(ctx context.Context, conversationID string, plaintext []byte) (*protocol.EncryptedData, error) {
	if err := g.EnsureOutboundSession(ctx, conversationID, EnsureOptions{}); err != nil {
		return nil, err
	}
	ct, err := g.device.EncryptGroupMessage(ctx, conversationID, plaintext)
	if err != nil {
		return nil, err
	}
	return &protocol.EncryptedData{
		Algorithm:  protocol.AlgorithmGroupRatchet,
		SenderKey:  g.device.DeviceKey(),
		SessionID:  ct.SessionID,
		Ciphertext: ct.Ciphertext,
	}, nil
}

func (g *groupRatchet) Decrypt(ctx context.Context, conversationID, eventID string, data *protocol.EncryptedData) (*Decrypted, error) {
	msg, err := g.device.DecryptGroupMessage(ctx, conversationID, data.SessionID, eventID, data.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &Decrypted{Plaintext: msg.Plaintext, SenderKey: msg.SenderKey, Untrusted: msg.Untrusted}, nil
}

func (g *groupRatchet) ImportSession(ctx context.Context, session protocol.GroupEncryptionSession, untrusted bool) error {
	return g.device.AddInboundGroupSession(ctx, session.ConversationID, session.SessionID,
		session.SessionKey, session.SenderKey, nil, device.ExtraSessionData{Untrusted: untrusted})
}

func (g *groupRatchet) ExportSession(ctx context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error) {
	exported, err := g.device.ExportInboundGroupSession(ctx, conversationID, sessionID)
	if err != nil || exported == nil {
		return nil, err
	}
	return &protocol.GroupEncryptionSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		SessionKey:     exported.SessionKey,
		Algorithm:      protocol.AlgorithmGroupRatchet,
		SenderKey:      exported.SenderKey,
	}, nil
}

func (g *groupRatchet) SessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	return g.device.GetInboundGroupSessionIDs(ctx, conversationID)
}

func (g *groupRatchet) HasSession(ctx context.Context, conversationID, sessionID string) (bool, error) {
	return g.device.HasInboundSessionKeys(ctx, conversationID, sessionID)
}

func (g *groupRatchet) ConversationIDs(ctx context.Context) ([]string, error) {
	return g.device.InboundConversationIDs(ctx)
}
