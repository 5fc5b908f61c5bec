package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/groupcrypt/groupcrypto"
	"github.com/opd-ai/groupcrypt/interfaces"
	"github.com/opd-ai/groupcrypt/protocol"
)

const (
	conv        = "conversation-1"
	otherConv   = "conversation-2"
	selfUser    = "alice"
	selfDevice  = "alice-device"
	waitFor     = 2 * time.Second
	pollEvery   = 5 * time.Millisecond
	ratchetAlgo = protocol.AlgorithmGroupRatchet
)

type fakeCrypto struct {
	mu             sync.Mutex
	sessions       map[string]map[string]protocol.GroupEncryptionSession
	panicOn        string
	importCalls    int
	keyDecryptions int
	shares         []fakeShare
}

type fakeShare struct {
	sessions   []protocol.GroupEncryptionSession
	recipients protocol.DeviceDirectory
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{sessions: make(map[string]map[string]protocol.GroupEncryptionSession)}
}

func (f *fakeCrypto) add(conversationID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(protocol.GroupEncryptionSession{
		ConversationID: conversationID,
		SessionID:      sessionID,
		SessionKey:     "key-" + sessionID,
		Algorithm:      ratchetAlgo,
	})
}

func (f *fakeCrypto) addLocked(session protocol.GroupEncryptionSession) {
	if f.sessions[session.ConversationID] == nil {
		f.sessions[session.ConversationID] = make(map[string]protocol.GroupEncryptionSession)
	}
	f.sessions[session.ConversationID][session.SessionID] = session
}

func (f *fakeCrypto) DecryptGroupEvent(_ context.Context, conversationID, eventID string, data *protocol.EncryptedData) (*groupcrypto.Decrypted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventID == f.panicOn {
		panic("corrupt payload")
	}
	if _, ok := f.sessions[conversationID][data.SessionID]; !ok {
		return nil, protocol.ErrSessionNotFound
	}
	return &groupcrypto.Decrypted{Plaintext: data.Ciphertext, SenderKey: data.SenderKey}, nil
}

func (f *fakeCrypto) DecryptSessionKeys(_ context.Context, bundle *protocol.SessionKeysBundle) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyDecryptions++
	ct, ok := bundle.Ciphertexts[selfDevice]
	if !ok {
		return nil, groupcrypto.ErrNotForThisDevice
	}
	return strings.Split(ct, ","), nil
}

func (f *fakeCrypto) ImportSessionKeys(_ context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.importCalls++
	for _, session := range sessions {
		session.ConversationID = conversationID
		f.addLocked(session)
	}
	return nil
}

func (f *fakeCrypto) ExportGroupSession(_ context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[conversationID][sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (f *fakeCrypto) GetGroupSessionIDs(_ context.Context, conversationID string, algorithm protocol.Algorithm) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, session := range f.sessions[conversationID] {
		if session.Algorithm == algorithm {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeCrypto) HasSessionKey(_ context.Context, conversationID, sessionID string, _ protocol.Algorithm) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[conversationID][sessionID]
	return ok, nil
}

func (f *fakeCrypto) EncryptAndShareGroupSessions(_ context.Context, _ string, sessions []protocol.GroupEncryptionSession, recipients protocol.DeviceDirectory, _ protocol.Algorithm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares = append(f.shares, fakeShare{sessions: sessions, recipients: recipients})
	return nil
}

func (f *fakeCrypto) shareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shares)
}

type fakeTransport struct {
	mu                sync.Mutex
	inboxBehind       bool
	notEntitled       map[string]bool
	existing          []protocol.KeySolicitation
	solicitationReads int
	solicitations     []protocol.KeySolicitation
	fulfillments      []protocol.KeyFulfillment
	fulfillErr        error
	acks              []*protocol.SessionKeysBundle
	onAck             func(*protocol.SessionKeysBundle)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{notEntitled: make(map[string]bool)}
}

func (f *fakeTransport) DownloadDeviceInfo(context.Context, []string) (protocol.DeviceDirectory, error) {
	return protocol.DeviceDirectory{}, nil
}

func (f *fakeTransport) DevicesInConversation(context.Context, string) (protocol.DeviceDirectory, error) {
	return protocol.DeviceDirectory{}, nil
}

func (f *fakeTransport) SendSessionKeys(context.Context, *protocol.SessionKeysBundle, []string) error {
	return nil
}

func (f *fakeTransport) SendKeySolicitation(_ context.Context, _ string, solicitation protocol.KeySolicitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solicitations = append(f.solicitations, solicitation)
	return nil
}

func (f *fakeTransport) SendKeyFulfillment(_ context.Context, _ string, fulfillment protocol.KeyFulfillment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfillments = append(f.fulfillments, fulfillment)
	return f.fulfillErr
}

func (f *fakeTransport) KeySolicitations(context.Context, string, string) ([]protocol.KeySolicitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solicitationReads++
	return f.existing, nil
}

func (f *fakeTransport) IsUserEntitled(_ context.Context, _ string, userID string, _ protocol.Permission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.notEntitled[userID], nil
}

func (f *fakeTransport) HasStream(context.Context, string) bool { return true }

func (f *fakeTransport) IsValidEvent(context.Context, string, string) protocol.EventValidity {
	return protocol.EventValidity{Valid: true}
}

func (f *fakeTransport) IsUserInboxUpToDate(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.inboxBehind
}

func (f *fakeTransport) AckNewGroupSession(_ context.Context, bundle *protocol.SessionKeysBundle) error {
	f.mu.Lock()
	f.acks = append(f.acks, bundle)
	onAck := f.onAck
	f.mu.Unlock()
	if onAck != nil {
		onAck(bundle)
	}
	return nil
}

func (f *fakeTransport) sent() []protocol.KeySolicitation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.KeySolicitation(nil), f.solicitations...)
}

func (f *fakeTransport) fulfilled() []protocol.KeyFulfillment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.KeyFulfillment(nil), f.fulfillments...)
}

func (f *fakeTransport) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

var _ interfaces.Transport = (*fakeTransport)(nil)

type recordingSink struct {
	mu        sync.Mutex
	statuses  []protocol.DecryptionStatus
	failures  []protocol.DecryptionError
	decrypted []protocol.DecryptedContent
}

func (r *recordingSink) OnStatusChange(status protocol.DecryptionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recordingSink) OnDecryptionError(failure protocol.DecryptionError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, failure)
}

func (r *recordingSink) OnDecryptedContent(content protocol.DecryptedContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decrypted = append(r.decrypted, content)
}

func (r *recordingSink) decryptedEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, c := range r.decrypted {
		ids = append(ids, c.EventID)
	}
	return ids
}

func (r *recordingSink) errors() []protocol.DecryptionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.DecryptionError(nil), r.failures...)
}

type harness struct {
	sched     *Scheduler
	crypto    *fakeCrypto
	transport *fakeTransport
	sink      *recordingSink
	registry  *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		crypto:    newFakeCrypto(),
		transport: newFakeTransport(),
		sink:      &recordingSink{},
		registry:  prometheus.NewRegistry(),
	}
	cfg.UserID = selfUser
	cfg.Registerer = h.registry
	sched, err := New(Deps{
		Crypto:    h.crypto,
		Transport: h.transport,
		Sink:      h.sink,
		Self: func() protocol.UserDevice {
			return protocol.UserDevice{DeviceKey: selfDevice, FallbackKey: "alice-fallback"}
		},
	}, cfg)
	require.NoError(t, err)
	h.sched = sched
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	return h
}

func content(conversationID, eventID, sessionID string) *protocol.EncryptedContent {
	return &protocol.EncryptedContent{
		ConversationID: conversationID,
		EventID:        eventID,
		Kind:           protocol.ContentKindMessage,
		Encrypted: &protocol.EncryptedData{
			Algorithm:  ratchetAlgo,
			SenderKey:  "bob-device",
			SessionID:  sessionID,
			Ciphertext: []byte("plain " + eventID),
		},
	}
}

func bundle(eventID string, sessionIDs ...string) *protocol.SessionKeysBundle {
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = "key-" + id
	}
	return &protocol.SessionKeysBundle{
		EventID:         eventID,
		ConversationID:  conv,
		SenderUserID:    "bob",
		SenderDeviceKey: "bob-device",
		SessionIDs:      sessionIDs,
		Algorithm:       ratchetAlgo,
		Ciphertexts:     map[string]string{selfDevice: strings.Join(keys, ",")},
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestDecryptsQueuedContent(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	require.Eventually(t, func() bool {
		h.sink.mu.Lock()
		defer h.sink.mu.Unlock()
		n := len(h.sink.statuses)
		return n > 0 && h.sink.statuses[n-1] == protocol.StatusIdle
	}, waitFor, pollEvery)

	h.sink.mu.Lock()
	got := h.sink.decrypted[0]
	statuses := append([]protocol.DecryptionStatus(nil), h.sink.statuses...)
	h.sink.mu.Unlock()
	assert.Equal(t, []byte("plain e1"), got.Plaintext)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "bob-device", got.SenderKey)
	assert.Contains(t, statuses, protocol.StatusDecryptingEvents)
	assert.Equal(t, protocol.StatusIdle, statuses[len(statuses)-1])
}

func TestBuffersContentUntilKeyArrives(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: 10 * time.Millisecond})
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))

	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, waitFor, pollEvery)
	failures := h.sink.errors()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].MissingSession)
	assert.ErrorIs(t, failures[0].Err, protocol.ErrSessionNotFound)

	sol := h.transport.sent()[0]
	assert.Equal(t, selfDevice, sol.DeviceKey)
	assert.Equal(t, "alice-fallback", sol.FallbackKey)
	assert.True(t, sol.IsNewDevice, "no sessions are held yet")
	assert.Equal(t, []string{"s1"}, sol.SessionIDs)
	assert.Equal(t, []string{"s1"}, h.sched.WaitingSessionIDs(conv))

	h.sched.EnqueueNewGroupSessions(bundle("b1", "s1"))

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, []string{"e1"}, h.sink.decryptedEvents())
	assert.Empty(t, h.sched.WaitingSessionIDs(conv))
	assert.Equal(t, 1, h.transport.ackCount())
	stats := h.sched.Stats()
	assert.Zero(t, stats.Backlog)
	assert.Zero(t, stats.MissingKeys)
}

func TestMissingKeyRequestsAreDebounced(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: 100 * time.Millisecond})
	h.crypto.add(conv, "known")
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s2"))
	h.sched.EnqueueEncryptedContent(content(conv, "e2", "s1"))
	h.sched.EnqueueEncryptedContent(content(conv, "e3", "s1"))

	require.Eventually(t, func() bool { return len(h.sink.errors()) == 3 }, waitFor, pollEvery)
	assert.Equal(t, 1, h.sched.Stats().MissingKeys)

	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, waitFor, pollEvery)
	sol := h.transport.sent()[0]
	assert.False(t, sol.IsNewDevice)
	assert.Equal(t, []string{"s1", "s2"}, sol.SessionIDs)
	assert.Never(t, func() bool { return len(h.transport.sent()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestMissingKeyRequestCapsSessionIDs(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: 10 * time.Millisecond, MaxRequestedSessionIDs: 2})
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.SetPaused(true)
	h.sched.Start(context.Background())
	for _, id := range []string{"s3", "s1", "s2"} {
		h.sched.EnqueueEncryptedContent(content(conv, "e-"+id, id))
	}
	h.sched.SetPaused(false)

	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, []string{"s1", "s2"}, h.transport.sent()[0].SessionIDs)
}

func TestExistingSolicitationSuppressesRequest(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: 10 * time.Millisecond})
	h.transport.existing = []protocol.KeySolicitation{
		{DeviceKey: "alice-other-device", SessionIDs: []string{"x"}},
		{DeviceKey: selfDevice, SessionIDs: []string{"s1", "s2"}},
	}
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))

	require.Eventually(t, func() bool {
		h.transport.mu.Lock()
		reads := h.transport.solicitationReads
		h.transport.mu.Unlock()
		return reads == 1 && h.sched.Status() == protocol.StatusIdle
	}, waitFor, pollEvery)
	assert.Empty(t, h.transport.sent())
}

func TestMissingKeysWaitForUpToDateStream(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: 10 * time.Millisecond})
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	require.Eventually(t, func() bool { return len(h.sink.errors()) == 1 }, waitFor, pollEvery)
	assert.Never(t, func() bool { return len(h.transport.sent()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.sched.SetStreamUpToDate(conv, true)
	require.Eventually(t, func() bool { return len(h.transport.sent()) == 1 }, waitFor, pollEvery)
}

func TestDuplicateBundleIsImportedOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.SetPaused(true)
	h.sched.Start(context.Background())
	h.sched.EnqueueNewGroupSessions(bundle("b1", "s1"))
	h.sched.EnqueueNewGroupSessions(bundle("b1", "s1"))
	h.sched.SetPaused(false)

	require.Eventually(t, func() bool { return h.transport.ackCount() == 1 }, waitFor, pollEvery)

	h.sched.EnqueueNewGroupSessions(bundle("b1", "s1"))
	require.Eventually(t, func() bool { return h.sched.Status() == protocol.StatusIdle }, waitFor, pollEvery)
	assert.Never(t, func() bool { return h.transport.ackCount() > 1 }, 50*time.Millisecond, 10*time.Millisecond)

	h.crypto.mu.Lock()
	defer h.crypto.mu.Unlock()
	assert.Equal(t, 1, h.crypto.importCalls)
	assert.Equal(t, 1, h.crypto.keyDecryptions)
}

func TestBundlesAckedAfterQueueDrains(t *testing.T) {
	h := newHarness(t, Config{})
	var (
		mu          sync.Mutex
		importsSeen []int
	)
	h.transport.onAck = func(*protocol.SessionKeysBundle) {
		h.crypto.mu.Lock()
		n := h.crypto.importCalls
		h.crypto.mu.Unlock()
		mu.Lock()
		importsSeen = append(importsSeen, n)
		mu.Unlock()
	}

	h.sched.SetPaused(true)
	h.sched.Start(context.Background())
	h.sched.EnqueueNewGroupSessions(bundle("b1", "s1"))
	h.sched.EnqueueNewGroupSessions(bundle("b2", "s2"))
	h.sched.EnqueueNewGroupSessions(bundle("b3", "s3"))
	h.sched.SetPaused(false)

	require.Eventually(t, func() bool { return h.transport.ackCount() == 3 }, waitFor, pollEvery)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 3, 3}, importsSeen)
}

func TestBundleForOtherDeviceIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Start(context.Background())
	b := bundle("b1", "s1")
	b.Ciphertexts = map[string]string{"carol-device": "key-s1"}
	h.sched.EnqueueNewGroupSessions(b)

	require.Eventually(t, func() bool { return h.transport.ackCount() == 1 }, waitFor, pollEvery)
	h.crypto.mu.Lock()
	defer h.crypto.mu.Unlock()
	assert.Zero(t, h.crypto.keyDecryptions)
}

func TestAnswersKeySolicitation(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.crypto.add(conv, "s2")
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueKeySolicitation(conv, "bob", "ev-sol", protocol.KeySolicitation{
		DeviceKey:   "bob-device",
		FallbackKey: "bob-fallback",
		SessionIDs:  []string{"s3", "s1"},
	})

	require.Eventually(t, func() bool { return h.crypto.shareCount() == 1 }, waitFor, pollEvery)
	fulfillments := h.transport.fulfilled()
	require.Len(t, fulfillments, 1)
	assert.Equal(t, protocol.KeyFulfillment{UserID: "bob", DeviceKey: "bob-device", SessionIDs: []string{"s1"}}, fulfillments[0])

	h.crypto.mu.Lock()
	share := h.crypto.shares[0]
	h.crypto.mu.Unlock()
	require.Len(t, share.sessions, 1)
	assert.Equal(t, "s1", share.sessions[0].SessionID)
	assert.Equal(t, protocol.DeviceDirectory{"bob": {{DeviceKey: "bob-device", FallbackKey: "bob-fallback"}}}, share.recipients)
}

func TestNewDeviceSolicitationGetsEverything(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.crypto.add(conv, "s2")
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueKeySolicitation(conv, selfUser, "ev-sol", protocol.KeySolicitation{
		DeviceKey:   "alice-new-device",
		FallbackKey: "fallback",
		IsNewDevice: true,
	})

	require.Eventually(t, func() bool { return h.crypto.shareCount() == 1 }, waitFor, pollEvery)
	fulfillments := h.transport.fulfilled()
	require.Len(t, fulfillments, 1)
	assert.Empty(t, fulfillments[0].SessionIDs)
	assert.NotNil(t, fulfillments[0].SessionIDs)

	h.crypto.mu.Lock()
	defer h.crypto.mu.Unlock()
	assert.Len(t, h.crypto.shares[0].sessions, 2)
}

func TestDuplicateFulfillmentSkipsSharing(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.transport.fulfillErr = protocol.ErrDuplicateEvent
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueKeySolicitation(conv, "bob", "ev-sol", protocol.KeySolicitation{
		DeviceKey:  "bob-device",
		SessionIDs: []string{"s1"},
	})

	require.Eventually(t, func() bool {
		return len(h.transport.fulfilled()) == 1 && h.sched.Status() == protocol.StatusIdle
	}, waitFor, pollEvery)
	assert.Zero(t, h.crypto.shareCount())
}

func TestFailedFulfillmentSkipsSharing(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.transport.fulfillErr = errors.New("stream closed")
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueKeySolicitation(conv, "bob", "ev-sol", protocol.KeySolicitation{
		DeviceKey:  "bob-device",
		SessionIDs: []string{"s1"},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.sched.metrics.processed.WithLabelValues(queueSolicitations, "error")) == 1
	}, waitFor, pollEvery)
	assert.Zero(t, h.crypto.shareCount())
}

func TestUnentitledRequesterGetsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.transport.notEntitled["mallory"] = true
	h.sched.SetStreamUpToDate(conv, true)
	h.sched.Start(context.Background())

	h.sched.EnqueueKeySolicitation(conv, "mallory", "ev-sol", protocol.KeySolicitation{
		DeviceKey:  "mallory-device",
		SessionIDs: []string{"s1"},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.sched.metrics.processed.WithLabelValues(queueSolicitations, "ok")) == 1
	}, waitFor, pollEvery)
	assert.Empty(t, h.transport.fulfilled())
	assert.Zero(t, h.crypto.shareCount())
}

func TestSolicitationQueueing(t *testing.T) {
	h := newHarness(t, Config{})

	// Requests from this device are never answered by it.
	h.sched.EnqueueKeySolicitation(conv, selfUser, "ev0", protocol.KeySolicitation{DeviceKey: selfDevice, IsNewDevice: true})
	assert.Zero(t, h.sched.Stats().OwnKeySolicitations)

	h.sched.EnqueueKeySolicitation(conv, selfUser, "ev1", protocol.KeySolicitation{DeviceKey: "alice-phone", SessionIDs: []string{"s1"}})
	h.sched.EnqueueKeySolicitation(conv, "bob", "ev2", protocol.KeySolicitation{DeviceKey: "bob-device", SessionIDs: []string{"s1", "s2"}})
	stats := h.sched.Stats()
	assert.Equal(t, 1, stats.OwnKeySolicitations)
	assert.Equal(t, 1, stats.KeySolicitations)

	// A newer request from the same device replaces the old one.
	h.sched.EnqueueKeySolicitation(conv, "bob", "ev3", protocol.KeySolicitation{DeviceKey: "bob-device", SessionIDs: []string{"s3"}})
	assert.Equal(t, 1, h.sched.Stats().KeySolicitations)

	// An empty request withdraws.
	h.sched.EnqueueKeySolicitation(conv, "bob", "ev4", protocol.KeySolicitation{DeviceKey: "bob-device"})
	assert.Zero(t, h.sched.Stats().KeySolicitations)
}

func TestFulfillmentWithdrawsSolicitation(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.EnqueueKeySolicitation(conv, "bob", "ev1", protocol.KeySolicitation{DeviceKey: "bob-device", SessionIDs: []string{"s1", "s2"}})
	h.sched.EnqueueKeySolicitation(conv, "carol", "ev2", protocol.KeySolicitation{DeviceKey: "carol-device", IsNewDevice: true})
	require.Equal(t, 2, h.sched.Stats().KeySolicitations)

	h.sched.OnKeyFulfillment(conv, protocol.KeyFulfillment{UserID: "bob", DeviceKey: "bob-device", SessionIDs: []string{"s1"}})
	assert.Equal(t, 2, h.sched.Stats().KeySolicitations)
	h.sched.mu.Lock()
	for _, item := range h.sched.solicitations {
		if item.solicitation.DeviceKey == "bob-device" {
			assert.Equal(t, []string{"s2"}, item.solicitation.SessionIDs)
		}
	}
	h.sched.mu.Unlock()

	h.sched.OnKeyFulfillment(otherConv, protocol.KeyFulfillment{UserID: "bob", DeviceKey: "bob-device", SessionIDs: []string{"s2"}})
	assert.Equal(t, 2, h.sched.Stats().KeySolicitations)

	h.sched.OnKeyFulfillment(conv, protocol.KeyFulfillment{UserID: "bob", DeviceKey: "bob-device", SessionIDs: []string{"s2"}})
	assert.Equal(t, 1, h.sched.Stats().KeySolicitations)

	h.sched.OnKeyFulfillment(conv, protocol.KeyFulfillment{UserID: "carol", DeviceKey: "carol-device", SessionIDs: []string{}})
	assert.Zero(t, h.sched.Stats().KeySolicitations)
}

func TestRetryDecryptionFailures(t *testing.T) {
	h := newHarness(t, Config{MissingKeyRetryDelay: time.Hour})
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	require.Eventually(t, func() bool { return h.sched.Stats().Backlog == 1 }, waitFor, pollEvery)

	h.crypto.add(conv, "s1")
	h.sched.RetryDecryptionFailures(conv, []string{"s1"})

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	assert.Zero(t, h.sched.Stats().MissingKeys)
}

func TestHighPriorityConversationFirst(t *testing.T) {
	h := newHarness(t, Config{HighPriorityConversations: []string{otherConv}})
	h.crypto.add(conv, "s1")
	h.crypto.add(otherConv, "s2")
	h.sched.SetPaused(true)
	h.sched.Start(context.Background())
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	h.sched.EnqueueEncryptedContent(content(conv, "e2", "s1"))
	h.sched.EnqueueEncryptedContent(content(otherConv, "e3", "s2"))
	h.sched.SetPaused(false)

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 3 }, waitFor, pollEvery)
	assert.Equal(t, []string{"e3", "e1", "e2"}, h.sink.decryptedEvents())
}

func TestPriorityTasksRunFirst(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	var (
		mu    sync.Mutex
		order []string
	)
	h.sched.SetPaused(true)
	h.sched.Start(context.Background())
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	h.sched.EnqueuePriorityTask(PriorityTask{Name: "load", Run: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "task")
		return nil
	}})
	h.sched.SetPaused(false)

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"task"}, order)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.sched.metrics.processed.WithLabelValues(queuePriority, "ok")))
}

func TestWaitsForInbox(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.transport.inboxBehind = true
	h.sched.Start(context.Background())
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))

	assert.Never(t, func() bool { return len(h.sink.decryptedEvents()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, protocol.StatusInitializing, h.sched.Status())

	h.transport.mu.Lock()
	h.transport.inboxBehind = false
	h.transport.mu.Unlock()
	h.sched.Poke()

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
}

func TestPanicDoesNotStopScheduler(t *testing.T) {
	h := newHarness(t, Config{})
	h.crypto.add(conv, "s1")
	h.crypto.panicOn = "boom"
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(content(conv, "boom", "s1"))
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, []string{"e1"}, h.sink.decryptedEvents())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.sched.metrics.processed.WithLabelValues(queueEncryptedContent, "error")))
}

func TestStopWaitsForInflightWork(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.sched.EnqueuePriorityTask(PriorityTask{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	h.sched.Start(context.Background())
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.sched.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while work was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}

	// Work queued while stopped waits for the next Start.
	h.crypto.add(conv, "s1")
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	assert.Never(t, func() bool { return len(h.sink.decryptedEvents()) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
	h.sched.Start(context.Background())
	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
}

func TestStopHonoursContext(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h.sched.EnqueuePriorityTask(PriorityTask{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})
	h.sched.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.sched.Stop(ctx), context.DeadlineExceeded)
}

type fakeOverlay struct {
	mu     sync.Mutex
	joined bool
	events []protocol.OverlayEvent
}

func (f *fakeOverlay) DecryptOverlayContent(_ context.Context, _ string, envelope *protocol.OverlayEnvelope) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.joined {
		return nil, protocol.ErrGroupCoordinationNotFound
	}
	return envelope.Payload, nil
}

func (f *fakeOverlay) ProcessOverlayEvent(_ context.Context, event protocol.OverlayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if event.Kind == protocol.OverlayEventJoin {
		f.joined = true
	}
	return nil
}

func TestOverlayContentJoinsAndReplays(t *testing.T) {
	h := newHarness(t, Config{})
	overlay := &fakeOverlay{}
	h.sched.overlay = overlay
	h.sched.Start(context.Background())

	h.sched.EnqueueEncryptedContent(&protocol.EncryptedContent{
		ConversationID: conv,
		EventID:        "e1",
		Kind:           protocol.ContentKindMessage,
		Encrypted: &protocol.EncryptedData{
			Overlay: &protocol.OverlayEnvelope{GroupID: "g", Epoch: 1, Payload: []byte("overlay hello")},
		},
	})

	require.Eventually(t, func() bool { return len(h.sink.decryptedEvents()) == 1 }, waitFor, pollEvery)
	failures := h.sink.errors()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].MissingSession)
	assert.ErrorIs(t, failures[0].Err, protocol.ErrGroupCoordinationNotFound)

	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	require.Len(t, overlay.events, 1)
	assert.Equal(t, protocol.OverlayEventJoin, overlay.events[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.sched.metrics.failures.WithLabelValues("group_not_found")))
}

func TestOverlayContentWithoutOverlay(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Start(context.Background())
	h.sched.EnqueueEncryptedContent(&protocol.EncryptedContent{
		ConversationID: conv,
		EventID:        "e1",
		Encrypted:      &protocol.EncryptedData{Overlay: &protocol.OverlayEnvelope{GroupID: "g"}},
	})

	require.Eventually(t, func() bool { return len(h.sink.errors()) == 1 }, waitFor, pollEvery)
	failure := h.sink.errors()[0]
	assert.False(t, failure.MissingSession)
	assert.ErrorIs(t, failure.Err, ErrNoOverlay)
}

func TestQueueMetrics(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.EnqueueEncryptedContent(content(conv, "e1", "s1"))
	h.sched.EnqueueEncryptedContent(content(conv, "e2", "s1"))

	assert.Equal(t, 2.0, testutil.ToFloat64(h.sched.metrics.queueLength.WithLabelValues(queueEncryptedContent)))
	count, err := testutil.GatherAndCount(h.registry, "groupcrypt_scheduler_queue_length")
	require.NoError(t, err)
	assert.Equal(t, 8, count)
}
