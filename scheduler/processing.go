package scheduler

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/protocol"
)

func (s *Scheduler) processOverlayEvent(ctx context.Context, event protocol.OverlayEvent) error {
	if s.overlay == nil {
		return ErrNoOverlay
	}
	if err := s.overlay.ProcessOverlayEvent(ctx, event); err != nil {
		return fmt.Errorf("overlay %s event for %s: %w", event.Kind, event.ConversationID, err)
	}
	s.RetryDecryptionFailures(event.ConversationID, []string{overlayBucket})
	return nil
}

// processNewGroupSession imports the sessions of a bundle this device does
// not hold yet, then replays content that waited for them. Bundles are
// acknowledged once the queue has drained.
func (s *Scheduler) processNewGroupSession(ctx context.Context, bundle *protocol.SessionKeysBundle) error {
	if bundle.EventID != "" && s.acked.Contains(bundle.EventID) {
		logrus.WithFields(logrus.Fields{
			"function": "processNewGroupSession",
			"event_id": bundle.EventID,
		}).Debug("Skipping already processed session bundle")
		return nil
	}

	err := s.importBundle(ctx, bundle)

	s.mu.Lock()
	s.pendingAck = append(s.pendingAck, bundle)
	var acks []*protocol.SessionKeysBundle
	if len(s.newGroupSession) == 0 {
		acks, s.pendingAck = s.pendingAck, nil
	}
	s.unlockAndNotify()

	for _, b := range acks {
		if b.EventID != "" {
			if s.acked.Contains(b.EventID) {
				continue
			}
			s.acked.Add(b.EventID, struct{}{})
		}
		if ackErr := s.transport.AckNewGroupSession(ctx, b); ackErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "processNewGroupSession",
				"conversation_id": b.ConversationID,
				"error":           ackErr.Error(),
			}).Warn("Failed to acknowledge session bundle")
		}
	}
	return err
}

func (s *Scheduler) importBundle(ctx context.Context, bundle *protocol.SessionKeysBundle) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":        "importBundle",
		"conversation_id": bundle.ConversationID,
		"sender":          bundle.SenderUserID,
		"sessions":        len(bundle.SessionIDs),
	})

	if _, ok := bundle.Ciphertexts[s.self().DeviceKey]; !ok {
		logger.Debug("Session bundle carries nothing for this device")
		return nil
	}

	var needed []int
	for i, id := range bundle.SessionIDs {
		has, err := s.crypto.HasSessionKey(ctx, bundle.ConversationID, id, bundle.Algorithm)
		if err != nil {
			return fmt.Errorf("failed to check session %s: %w", protocol.ShortID(id), err)
		}
		if !has {
			needed = append(needed, i)
		}
	}
	if len(needed) == 0 {
		logger.Debug("All sessions of bundle already known")
		return nil
	}

	keys, err := s.crypto.DecryptSessionKeys(ctx, bundle)
	if err != nil {
		return fmt.Errorf("failed to decrypt session bundle: %w", err)
	}

	sessions := make([]protocol.GroupEncryptionSession, 0, len(needed))
	ids := make([]string, 0, len(needed))
	for _, i := range needed {
		sessions = append(sessions, protocol.GroupEncryptionSession{
			ConversationID: bundle.ConversationID,
			SessionID:      bundle.SessionIDs[i],
			SessionKey:     keys[i],
			Algorithm:      bundle.Algorithm,
			SenderKey:      bundle.SenderDeviceKey,
		})
		ids = append(ids, bundle.SessionIDs[i])
	}

	importErr := s.crypto.ImportSessionKeys(ctx, bundle.ConversationID, sessions, false)
	if importErr != nil {
		logger.WithField("error", importErr.Error()).Warn("Some sessions failed to import")
	} else {
		logger.WithField("imported", len(ids)).Info("Imported group sessions")
	}

	s.RetryDecryptionFailures(bundle.ConversationID, ids)
	return importErr
}

// processEncryptedContent decrypts one item. Content whose session is
// missing is buffered until the key arrives.
func (s *Scheduler) processEncryptedContent(ctx context.Context, item *protocol.EncryptedContent) error {
	if item.IsOverlay() {
		return s.processOverlayContent(ctx, item)
	}

	res, err := s.crypto.DecryptGroupEvent(ctx, item.ConversationID, item.EventID, item.Encrypted)
	if err == nil {
		s.sink.OnDecryptedContent(protocol.DecryptedContent{
			ConversationID: item.ConversationID,
			EventID:        item.EventID,
			Kind:           item.Kind,
			SessionID:      item.Encrypted.SessionID,
			SenderKey:      res.SenderKey,
			Plaintext:      res.Plaintext,
			Untrusted:      res.Untrusted,
		})
		return nil
	}

	s.metrics.recordFailure(err)
	missing := errors.Is(err, protocol.ErrSessionNotFound)
	if missing {
		s.mu.Lock()
		s.bufferLocked(item, item.Encrypted.SessionID)
		s.scheduleMissingKeysLocked(item.ConversationID, s.clock.Now().Add(s.cfg.MissingKeyRetryDelay))
		s.unlockAndNotify()
	} else {
		logrus.WithFields(logrus.Fields{
			"function":        "processEncryptedContent",
			"conversation_id": item.ConversationID,
			"event_id":        item.EventID,
			"error":           err.Error(),
		}).Warn("Failed to decrypt content")
	}

	s.sink.OnDecryptionError(protocol.DecryptionError{
		ConversationID: item.ConversationID,
		EventID:        item.EventID,
		Kind:           item.Kind,
		MissingSession: missing,
		Encrypted:      item.Encrypted,
		Err:            err,
	})
	return nil
}

func (s *Scheduler) processOverlayContent(ctx context.Context, item *protocol.EncryptedContent) error {
	var (
		plaintext []byte
		err       = ErrNoOverlay
	)
	if s.overlay != nil {
		plaintext, err = s.overlay.DecryptOverlayContent(ctx, item.ConversationID, item.Encrypted.Overlay)
	}
	if err == nil {
		s.sink.OnDecryptedContent(protocol.DecryptedContent{
			ConversationID: item.ConversationID,
			EventID:        item.EventID,
			Kind:           item.Kind,
			Plaintext:      plaintext,
		})
		return nil
	}

	s.metrics.recordFailure(err)
	missing := protocol.IsOverlayNotFound(err)
	if missing {
		s.mu.Lock()
		s.bufferLocked(item, overlayBucket)
		if errors.Is(err, protocol.ErrGroupCoordinationNotFound) && !s.joinQueuedLocked(item.ConversationID) {
			s.overlayEvents = append(s.overlayEvents, protocol.OverlayEvent{
				ConversationID: item.ConversationID,
				Kind:           protocol.OverlayEventJoin,
			})
		}
		s.unlockAndNotify()
	}

	s.sink.OnDecryptionError(protocol.DecryptionError{
		ConversationID: item.ConversationID,
		EventID:        item.EventID,
		Kind:           item.Kind,
		MissingSession: missing,
		Encrypted:      item.Encrypted,
		Err:            err,
	})
	return nil
}

func (s *Scheduler) joinQueuedLocked(conversationID string) bool {
	for _, event := range s.overlayEvents {
		if event.ConversationID == conversationID && event.Kind == protocol.OverlayEventJoin {
			return true
		}
	}
	return false
}

// processMissingKeys asks the conversation for the sessions its buffered
// content waits on.
func (s *Scheduler) processMissingKeys(ctx context.Context, conversationID string) error {
	logger := logrus.WithFields(logrus.Fields{
		"function":        "processMissingKeys",
		"conversation_id": conversationID,
	})

	s.mu.Lock()
	var ids []string
	for id := range s.backlog[conversationID] {
		if id != overlayBucket {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	ids = protocol.SortedCopy(ids)
	if len(ids) == 0 {
		return nil
	}
	ids = limits.TruncateSessionIDs(ids, s.cfg.MaxRequestedSessionIDs)

	if !s.transport.HasStream(ctx, conversationID) {
		logger.Debug("Conversation not available, skipping key request")
		return nil
	}
	entitled, err := s.transport.IsUserEntitled(ctx, conversationID, s.cfg.UserID, protocol.PermissionRead)
	if err != nil {
		return fmt.Errorf("failed to check entitlement: %w", err)
	}
	if !entitled {
		logger.Debug("Not entitled to read, skipping key request")
		return nil
	}

	self := s.self()
	existing, err := s.transport.KeySolicitations(ctx, conversationID, s.cfg.UserID)
	if err != nil {
		return fmt.Errorf("failed to read key solicitations: %w", err)
	}
	for _, sol := range existing {
		if sol.DeviceKey != self.DeviceKey {
			continue
		}
		if sol.IsNewDevice || mapset.NewThreadUnsafeSet(sol.SessionIDs...).IsSuperset(mapset.NewThreadUnsafeSet(ids...)) {
			logger.Debug("Existing key request already covers missing sessions")
			return nil
		}
	}

	known, err := s.knownSessionIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	solicitation := protocol.KeySolicitation{
		DeviceKey:   self.DeviceKey,
		FallbackKey: self.FallbackKey,
		IsNewDevice: len(known) == 0,
		SessionIDs:  ids,
	}
	if err := s.transport.SendKeySolicitation(ctx, conversationID, solicitation); err != nil {
		return fmt.Errorf("failed to send key solicitation: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"sessions":      len(ids),
		"is_new_device": solicitation.IsNewDevice,
	}).Info("Requested missing session keys")
	return nil
}

// processKeySolicitation shares the requested sessions this device holds.
// The fulfillment is published first; sharing only happens when it was
// accepted.
func (s *Scheduler) processKeySolicitation(ctx context.Context, item *solicitationItem) error {
	sol := item.solicitation
	logger := logrus.WithFields(logrus.Fields{
		"function":        "processKeySolicitation",
		"conversation_id": item.conversationID,
		"user_id":         item.userID,
		"device_key":      protocol.ShortID(sol.DeviceKey),
	})

	if !s.transport.HasStream(ctx, item.conversationID) {
		logger.Debug("Conversation not available, ignoring key request")
		return nil
	}
	if item.eventID != "" {
		if validity := s.transport.IsValidEvent(ctx, item.conversationID, item.eventID); !validity.Valid {
			logger.WithField("reason", validity.Reason).Debug("Key request event no longer valid")
			return nil
		}
	}

	known, err := s.knownSessionIDs(ctx, item.conversationID)
	if err != nil {
		return err
	}
	var reply []string
	if sol.IsNewDevice {
		reply = known
	} else {
		reply = sortedSlice(mapset.NewThreadUnsafeSet(known...).Intersect(mapset.NewThreadUnsafeSet(sol.SessionIDs...)))
	}
	if len(reply) == 0 {
		logger.Debug("No requested sessions held")
		return nil
	}

	entitled, err := s.transport.IsUserEntitled(ctx, item.conversationID, item.userID, protocol.PermissionRead)
	if err != nil {
		return fmt.Errorf("failed to check entitlement: %w", err)
	}
	if !entitled {
		logger.Debug("Requester not entitled to read, ignoring key request")
		return nil
	}

	byAlgorithm := make(map[protocol.Algorithm][]protocol.GroupEncryptionSession)
	for _, id := range reply {
		session, err := s.crypto.ExportGroupSession(ctx, item.conversationID, id)
		if err != nil {
			return fmt.Errorf("failed to export session %s: %w", protocol.ShortID(id), err)
		}
		if session != nil {
			byAlgorithm[session.Algorithm] = append(byAlgorithm[session.Algorithm], *session)
		}
	}
	if len(byAlgorithm) == 0 {
		return nil
	}

	fulfillment := protocol.KeyFulfillment{
		UserID:     item.userID,
		DeviceKey:  sol.DeviceKey,
		SessionIDs: []string{},
	}
	if !sol.IsNewDevice {
		fulfillment.SessionIDs = reply
	}
	if err := s.transport.SendKeyFulfillment(ctx, item.conversationID, fulfillment); err != nil {
		if errors.Is(err, protocol.ErrDuplicateEvent) {
			logger.Debug("Key request already fulfilled by another device")
			return nil
		}
		return fmt.Errorf("failed to send key fulfillment: %w", err)
	}

	recipients := protocol.DeviceDirectory{
		item.userID: {{DeviceKey: sol.DeviceKey, FallbackKey: sol.FallbackKey}},
	}
	for _, algorithm := range protocol.Algorithms() {
		sessions := byAlgorithm[algorithm]
		if len(sessions) == 0 {
			continue
		}
		if err := s.crypto.EncryptAndShareGroupSessions(ctx, item.conversationID, sessions, recipients, algorithm); err != nil {
			return fmt.Errorf("failed to share %s sessions: %w", algorithm, err)
		}
	}

	logger.WithField("sessions", len(reply)).Info("Answered key request")
	return nil
}

// knownSessionIDs returns the sorted session ids held for a conversation
// across all algorithms.
func (s *Scheduler) knownSessionIDs(ctx context.Context, conversationID string) ([]string, error) {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, algorithm := range protocol.Algorithms() {
		ids, err := s.crypto.GetGroupSessionIDs(ctx, conversationID, algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s sessions: %w", algorithm, err)
		}
		for _, id := range ids {
			set.Add(id)
		}
	}
	return sortedSlice(set), nil
}
