package groupcrypto

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/interfaces"
	"github.com/opd-ai/groupcrypt/protocol"
)

// Transport is what the dispatcher needs from the host.
type Transport interface {
	interfaces.DeviceSource
	interfaces.SessionKeySender
}

// sharer encrypts session keys for recipient devices and sends the bundle.
type sharer struct {
	device      *device.Device
	transport   Transport
	userID      string
	concurrency int
	maxElapsed  time.Duration
}

// resolveRecipients returns the conversation's devices. Members the host has
// not resolved yet are looked up in the directory and downloaded when
// missing there.
func (s *sharer) resolveRecipients(ctx context.Context, conversationID string) (protocol.DeviceDirectory, error) {
	members, err := s.transport.DevicesInConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation devices: %w", err)
	}

	var unresolved []string
	for userID, devices := range members {
		if len(devices) == 0 {
			unresolved = append(unresolved, userID)
		}
	}
	if len(unresolved) == 0 {
		return members, nil
	}
	sort.Strings(unresolved)

	cached, missing, err := s.device.Directory().Lookup(ctx, unresolved)
	if err != nil {
		return nil, err
	}
	for userID, devices := range cached {
		members[userID] = devices
	}
	if len(missing) == 0 {
		return members, nil
	}

	downloaded, err := s.transport.DownloadDeviceInfo(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to download device info: %w", err)
	}
	if err := s.device.Directory().Save(ctx, downloaded); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resolveRecipients",
			"error":    err.Error(),
		}).Warn("Failed to cache downloaded device keys")
	}
	for userID, devices := range downloaded {
		members[userID] = devices
	}
	return members, nil
}

type recipient struct {
	userID string
	device protocol.UserDevice
}

// share sends sessions to every recipient device except this one. Devices
// whose encryption fails are skipped and reported in the returned error
// after the bundle went out to the rest.
func (s *sharer) share(ctx context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, recipients protocol.DeviceDirectory, algorithm protocol.Algorithm) error {
	if len(sessions) == 0 {
		return nil
	}

	bundle := &protocol.SessionKeysBundle{
		ConversationID:  conversationID,
		SenderUserID:    s.userID,
		SenderDeviceKey: s.device.DeviceKey(),
		Algorithm:       algorithm,
		Ciphertexts:     make(map[string]string),
	}
	payload := protocol.SessionKeysPayload{Keys: make([]string, 0, len(sessions))}
	for _, session := range sessions {
		bundle.SessionIDs = append(bundle.SessionIDs, session.SessionID)
		payload.Keys = append(payload.Keys, session.SessionKey)
	}
	plaintext, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode session keys: %w", err)
	}
	defer crypto.ZeroBytes(plaintext)

	var targets []recipient
	for _, userID := range recipients.UserIDs() {
		for _, dev := range recipients[userID] {
			if dev.DeviceKey == bundle.SenderDeviceKey {
				continue
			}
			targets = append(targets, recipient{userID: userID, device: dev})
		}
	}

	var (
		mu       sync.Mutex
		failures error
		users    = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, target := range targets {
		g.Go(func() error {
			ct, err := s.device.EncryptUsingFallbackKey(gctx, target.device.DeviceKey, target.device.FallbackKey, plaintext)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = multierr.Append(failures, fmt.Errorf("device %s of %s: %w",
					crypto.KeyPreview(target.device.DeviceKey), target.userID, err))
				return nil
			}
			bundle.Ciphertexts[target.device.DeviceKey] = ct
			users[target.userID] = struct{}{}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":        "share",
		"conversation_id": conversationID,
		"algorithm":       algorithm.String(),
		"sessions":        len(sessions),
		"devices":         len(bundle.Ciphertexts),
	})
	if failures != nil {
		logger.WithField("error", failures.Error()).Warn("Skipped devices while sharing session keys")
	}
	if len(bundle.Ciphertexts) == 0 {
		logger.Debug("No recipient devices for session keys")
		return failures
	}

	userIDs := make([]string, 0, len(users))
	for userID := range users {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.maxElapsed
	err = backoff.Retry(func() error {
		return s.transport.SendSessionKeys(ctx, bundle, userIDs)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return multierr.Append(failures, fmt.Errorf("failed to send session keys: %w", err))
	}

	logger.Debug("Shared session keys")
	return failures
}
