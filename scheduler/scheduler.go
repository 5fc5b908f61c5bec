package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/groupcrypto"
	"github.com/opd-ai/groupcrypt/interfaces"
	"github.com/opd-ai/groupcrypt/limits"
	"github.com/opd-ai/groupcrypt/protocol"
)

const (
	// DefaultMissingKeyRetryDelay is how long a conversation waits after a
	// missing session before soliciting keys.
	DefaultMissingKeyRetryDelay = time.Second

	// overlayBucket holds overlay content in the decryption backlog.
	overlayBucket = "\x00overlay"

	ackedBundleCacheSize = 4096
)

// ErrNoOverlay is reported for overlay content when no overlay protocol is
// configured.
var ErrNoOverlay = errors.New("no overlay protocol configured")

// GroupCrypto is the dispatcher surface the scheduler drives.
type GroupCrypto interface {
	DecryptGroupEvent(ctx context.Context, conversationID, eventID string, data *protocol.EncryptedData) (*groupcrypto.Decrypted, error)
	DecryptSessionKeys(ctx context.Context, bundle *protocol.SessionKeysBundle) ([]string, error)
	ImportSessionKeys(ctx context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, untrusted bool) error
	ExportGroupSession(ctx context.Context, conversationID, sessionID string) (*protocol.GroupEncryptionSession, error)
	GetGroupSessionIDs(ctx context.Context, conversationID string, algorithm protocol.Algorithm) ([]string, error)
	HasSessionKey(ctx context.Context, conversationID, sessionID string, algorithm protocol.Algorithm) (bool, error)
	EncryptAndShareGroupSessions(ctx context.Context, conversationID string, sessions []protocol.GroupEncryptionSession, recipients protocol.DeviceDirectory, algorithm protocol.Algorithm) error
}

var _ GroupCrypto = (*groupcrypto.GroupEncryptionCrypto)(nil)

// Config tunes the scheduler.
type Config struct {
	// UserID is the local user.
	UserID string
	// MissingKeyRetryDelay debounces key solicitations per conversation.
	MissingKeyRetryDelay time.Duration
	// MaxRequestedSessionIDs caps the ids of one solicitation.
	MaxRequestedSessionIDs int
	// SolicitationRespondDelay is the upper bound of the random delay before
	// answering other users' solicitations. Zero answers immediately.
	SolicitationRespondDelay time.Duration
	// HighPriorityConversations are served before all others.
	HighPriorityConversations []string
	TimeProvider              crypto.TimeProvider
	// Registerer receives the scheduler metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Crypto    GroupCrypto
	Transport interfaces.Transport
	// Overlay is optional.
	Overlay interfaces.OverlayProtocol
	// Sink is optional.
	Sink interfaces.EventSink
	// Self returns this device's published keys.
	Self func() protocol.UserDevice
}

// PriorityTask is startup work that runs before every queue.
type PriorityTask struct {
	Name string
	Run  func(ctx context.Context) error
}

type solicitationItem struct {
	conversationID string
	userID         string
	eventID        string
	solicitation   protocol.KeySolicitation
	respondAfter   time.Time
}

type missingKeyRetry struct {
	conversationID string
	at             time.Time
}

type workItem struct {
	kind string
	run  func(ctx context.Context) error
}

// Scheduler processes decryption work one item at a time.
type Scheduler struct {
	cfg       Config
	crypto    GroupCrypto
	transport interfaces.Transport
	overlay   interfaces.OverlayProtocol
	sink      interfaces.EventSink
	self      func() protocol.UserDevice
	clock     crypto.TimeProvider
	metrics   *Metrics
	acked     *lru.Cache[string, struct{}]

	mu            sync.Mutex
	started       bool
	paused        bool
	ctx           context.Context
	cancel        context.CancelFunc
	timer         *time.Timer
	timerGen      uint64
	inflight      chan struct{}
	status        protocol.DecryptionStatus
	pendingStatus []protocol.DecryptionStatus

	priorityTasks      []PriorityTask
	overlayEvents      []protocol.OverlayEvent
	newGroupSession    []*protocol.SessionKeysBundle
	pendingAck         []*protocol.SessionKeysBundle
	encryptedContent   []*protocol.EncryptedContent
	missingKeys        []missingKeyRetry
	ownSolicitations   []*solicitationItem
	solicitations      []*solicitationItem
	solicitationsDirty bool
	// backlog maps conversation -> session id -> content waiting for it.
	backlog      map[string]map[string][]*protocol.EncryptedContent
	upToDate     mapset.Set[string]
	highPriority []string
}

// New creates a stopped scheduler.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	if deps.Crypto == nil || deps.Transport == nil || deps.Self == nil {
		return nil, errors.New("scheduler requires crypto, transport and self")
	}
	if cfg.MissingKeyRetryDelay <= 0 {
		cfg.MissingKeyRetryDelay = DefaultMissingKeyRetryDelay
	}
	if cfg.MaxRequestedSessionIDs <= 0 || cfg.MaxRequestedSessionIDs > limits.MaxRequestedSessionIDs {
		cfg.MaxRequestedSessionIDs = limits.MaxRequestedSessionIDs
	}
	sink := deps.Sink
	if sink == nil {
		sink = interfaces.EventSinkFuncs{}
	}
	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register scheduler metrics: %w", err)
	}
	acked, err := lru.New[string, struct{}](ackedBundleCacheSize)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:          cfg,
		crypto:       deps.Crypto,
		transport:    deps.Transport,
		overlay:      deps.Overlay,
		sink:         sink,
		self:         deps.Self,
		clock:        crypto.OrDefault(cfg.TimeProvider),
		metrics:      metrics,
		acked:        acked,
		status:       protocol.StatusInitializing,
		backlog:      make(map[string]map[string][]*protocol.EncryptedContent),
		upToDate:     mapset.NewThreadUnsafeSet[string](),
		highPriority: append([]string(nil), cfg.HighPriorityConversations...),
	}, nil
}

// Start begins ticking. Work runs with a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.unlockAndNotify()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"user_id":  s.cfg.UserID,
	}).Info("Starting decryption scheduler")

	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// Stop clears the pending tick and waits for the in-flight one to finish.
// Queued work is kept for a later Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.unlockAndNotify()
		return nil
	}
	s.started = false
	s.clearTimerLocked()
	inflight := s.inflight
	cancel := s.cancel
	s.unlockAndNotify()

	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
	cancel()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"user_id":  s.cfg.UserID,
	}).Info("Stopped decryption scheduler")
	return nil
}

// Status returns the current status.
func (s *Scheduler) Status() protocol.DecryptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Poke re-evaluates whether work can run, for example after the host's
// inbox caught up.
func (s *Scheduler) Poke() {
	s.mu.Lock()
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// SetPaused holds back new ticks while paused.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// SetStreamUpToDate marks whether a conversation has caught up. Key requests
// and responses for a conversation wait until it has.
func (s *Scheduler) SetStreamUpToDate(conversationID string, upToDate bool) {
	s.mu.Lock()
	if upToDate {
		s.upToDate.Add(conversationID)
	} else {
		s.upToDate.Remove(conversationID)
	}
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// SetHighPriorityStreams replaces the conversations served first.
func (s *Scheduler) SetHighPriorityStreams(conversationIDs []string) {
	s.mu.Lock()
	s.highPriority = append([]string(nil), conversationIDs...)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// EnqueuePriorityTask queues startup work.
func (s *Scheduler) EnqueuePriorityTask(task PriorityTask) {
	s.mu.Lock()
	s.priorityTasks = append(s.priorityTasks, task)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// EnqueueOverlayEvent queues work for the overlay protocol.
func (s *Scheduler) EnqueueOverlayEvent(event protocol.OverlayEvent) {
	s.mu.Lock()
	s.overlayEvents = append(s.overlayEvents, event)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// EnqueueNewGroupSessions queues a received session key bundle.
func (s *Scheduler) EnqueueNewGroupSessions(bundle *protocol.SessionKeysBundle) {
	s.mu.Lock()
	s.newGroupSession = append(s.newGroupSession, bundle)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// EnqueueEncryptedContent queues content for decryption.
func (s *Scheduler) EnqueueEncryptedContent(item *protocol.EncryptedContent) {
	s.mu.Lock()
	s.encryptedContent = append(s.encryptedContent, item)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// EnqueueKeySolicitation records another device's request for keys. It
// supersedes any earlier request of the same device in the conversation. A
// request naming no sessions and not flagged as a new device withdraws it.
func (s *Scheduler) EnqueueKeySolicitation(conversationID, userID, eventID string, solicitation protocol.KeySolicitation) {
	if solicitation.DeviceKey == s.self().DeviceKey {
		return
	}

	s.mu.Lock()
	defer s.unlockAndNotify()

	s.removeSolicitationsLocked(conversationID, solicitation.DeviceKey)
	if !solicitation.IsNewDevice && len(solicitation.SessionIDs) == 0 {
		s.checkStartTickingLocked()
		return
	}

	solicitation.SessionIDs = protocol.SortedCopy(solicitation.SessionIDs)
	item := &solicitationItem{
		conversationID: conversationID,
		userID:         userID,
		eventID:        eventID,
		solicitation:   solicitation,
		respondAfter:   s.clock.Now(),
	}
	if userID == s.cfg.UserID {
		s.ownSolicitations = append(s.ownSolicitations, item)
	} else {
		if s.cfg.SolicitationRespondDelay > 0 {
			item.respondAfter = item.respondAfter.Add(rand.N(s.cfg.SolicitationRespondDelay))
		}
		s.solicitations = append(s.solicitations, item)
		s.solicitationsDirty = true
	}
	s.checkStartTickingLocked()
}

// OnKeyFulfillment withdraws what another device already answered. A
// fulfillment without session ids answered a new-device request in full.
func (s *Scheduler) OnKeyFulfillment(conversationID string, fulfillment protocol.KeyFulfillment) {
	s.mu.Lock()
	defer s.unlockAndNotify()

	answered := mapset.NewThreadUnsafeSet(fulfillment.SessionIDs...)
	update := func(queue []*solicitationItem) []*solicitationItem {
		out := queue[:0]
		for _, item := range queue {
			if item.conversationID != conversationID || item.solicitation.DeviceKey != fulfillment.DeviceKey {
				out = append(out, item)
				continue
			}
			if answered.Cardinality() == 0 {
				continue
			}
			remaining := mapset.NewThreadUnsafeSet(item.solicitation.SessionIDs...).Difference(answered)
			if remaining.Cardinality() == 0 && !item.solicitation.IsNewDevice {
				continue
			}
			item.solicitation.SessionIDs = sortedSlice(remaining)
			out = append(out, item)
		}
		return out
	}
	s.ownSolicitations = update(s.ownSolicitations)
	s.solicitations = update(s.solicitations)
}

// RetryDecryptionFailures moves content waiting for the given sessions back
// into the decryption queue.
func (s *Scheduler) RetryDecryptionFailures(conversationID string, sessionIDs []string) {
	s.mu.Lock()
	s.retryLocked(conversationID, sessionIDs)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

func (s *Scheduler) retryLocked(conversationID string, sessionIDs []string) {
	buckets := s.backlog[conversationID]
	if buckets == nil {
		return
	}
	for _, id := range sessionIDs {
		s.encryptedContent = append(s.encryptedContent, buckets[id]...)
		delete(buckets, id)
	}

	pending := false
	for id := range buckets {
		if id != overlayBucket {
			pending = true
			break
		}
	}
	if !pending {
		s.removeMissingKeysLocked(conversationID)
	}
	if len(buckets) == 0 {
		delete(s.backlog, conversationID)
	}
}

func (s *Scheduler) bufferLocked(item *protocol.EncryptedContent, bucket string) {
	buckets := s.backlog[item.ConversationID]
	if buckets == nil {
		buckets = make(map[string][]*protocol.EncryptedContent)
		s.backlog[item.ConversationID] = buckets
	}
	buckets[bucket] = append(buckets[bucket], item)
}

// scheduleMissingKeysLocked replaces any pending retry for the conversation.
func (s *Scheduler) scheduleMissingKeysLocked(conversationID string, at time.Time) {
	s.removeMissingKeysLocked(conversationID)
	i := sort.Search(len(s.missingKeys), func(i int) bool {
		return s.missingKeys[i].at.After(at)
	})
	s.missingKeys = append(s.missingKeys, missingKeyRetry{})
	copy(s.missingKeys[i+1:], s.missingKeys[i:])
	s.missingKeys[i] = missingKeyRetry{conversationID: conversationID, at: at}
}

func (s *Scheduler) removeMissingKeysLocked(conversationID string) {
	for i, entry := range s.missingKeys {
		if entry.conversationID == conversationID {
			s.missingKeys = append(s.missingKeys[:i], s.missingKeys[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeSolicitationsLocked(conversationID, deviceKey string) {
	keep := func(queue []*solicitationItem) []*solicitationItem {
		out := queue[:0]
		for _, item := range queue {
			if item.conversationID != conversationID || item.solicitation.DeviceKey != deviceKey {
				out = append(out, item)
			}
		}
		return out
	}
	s.ownSolicitations = keep(s.ownSolicitations)
	s.solicitations = keep(s.solicitations)
}

// checkStartTickingLocked schedules the next tick when work can run.
func (s *Scheduler) checkStartTickingLocked() {
	if !s.started || s.timer != nil || s.inflight != nil || s.paused {
		return
	}
	if !s.transport.IsUserInboxUpToDate(s.ctx) {
		return
	}

	delay, ok := s.nextDelayLocked(s.clock.Now())
	if !ok {
		s.setStatusLocked(protocol.StatusIdle)
		return
	}

	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() { s.tick(gen) })
}

func (s *Scheduler) clearTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// nextDelayLocked returns how long until some item can run. ok is false when
// nothing can run without outside change.
func (s *Scheduler) nextDelayLocked(now time.Time) (time.Duration, bool) {
	if len(s.priorityTasks)+len(s.overlayEvents)+len(s.newGroupSession)+len(s.encryptedContent) > 0 {
		return 0, true
	}

	var (
		earliest time.Time
		found    bool
	)
	consider := func(conversationID string, at time.Time) {
		if !s.upToDate.Contains(conversationID) {
			return
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	for _, item := range s.ownSolicitations {
		consider(item.conversationID, item.respondAfter)
	}
	for _, entry := range s.missingKeys {
		consider(entry.conversationID, entry.at)
	}
	for _, item := range s.solicitations {
		consider(item.conversationID, item.respondAfter)
	}
	if !found {
		return 0, false
	}
	if d := earliest.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || !s.started || s.inflight != nil {
		s.unlockAndNotify()
		return
	}
	s.timer = nil

	work := s.nextWorkLocked(s.clock.Now())
	if work == nil {
		s.setStatusLocked(protocol.StatusIdle)
		s.checkStartTickingLocked()
		s.unlockAndNotify()
		return
	}

	done := make(chan struct{})
	s.inflight = done
	ctx := s.ctx
	s.unlockAndNotify()

	s.run(ctx, work)

	s.mu.Lock()
	s.inflight = nil
	close(done)
	s.checkStartTickingLocked()
	s.unlockAndNotify()
}

// run executes one item. Errors and panics are logged and never stop the
// scheduler.
func (s *Scheduler) run(ctx context.Context, work *workItem) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"kind":     work.kind,
				"panic":    fmt.Sprint(r),
			}).Error("Scheduler item panicked")
			s.metrics.recordProcessed(work.kind, fmt.Errorf("panic: %v", r))
		}
	}()

	err := work.run(ctx)
	s.metrics.recordProcessed(work.kind, err)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"kind":     work.kind,
			"error":    err.Error(),
		}).Warn("Scheduler item failed")
	}
}

// nextWorkLocked pops the next runnable item in priority order.
func (s *Scheduler) nextWorkLocked(now time.Time) *workItem {
	if len(s.priorityTasks) > 0 {
		task := s.priorityTasks[0]
		s.priorityTasks = s.priorityTasks[1:]
		s.setStatusLocked(protocol.StatusUpdating)
		return &workItem{kind: queuePriority, run: func(ctx context.Context) error {
			if err := task.Run(ctx); err != nil {
				return fmt.Errorf("priority task %s: %w", task.Name, err)
			}
			return nil
		}}
	}

	if len(s.overlayEvents) > 0 {
		event := s.overlayEvents[0]
		s.overlayEvents = s.overlayEvents[1:]
		s.setStatusLocked(protocol.StatusUpdating)
		return &workItem{kind: queueOverlay, run: func(ctx context.Context) error {
			return s.processOverlayEvent(ctx, event)
		}}
	}

	if len(s.newGroupSession) > 0 {
		bundle := s.newGroupSession[0]
		s.newGroupSession = s.newGroupSession[1:]
		s.setStatusLocked(protocol.StatusProcessingNewGroupSessions)
		return &workItem{kind: queueNewGroupSession, run: func(ctx context.Context) error {
			return s.processNewGroupSession(ctx, bundle)
		}}
	}

	for _, scope := range s.scopesLocked() {
		if item := s.dequeueSolicitationLocked(&s.ownSolicitations, scope, now); item != nil {
			s.setStatusLocked(protocol.StatusRespondingToKeyRequests)
			return &workItem{kind: queueOwnSolicitations, run: func(ctx context.Context) error {
				return s.processKeySolicitation(ctx, item)
			}}
		}
		if item := s.dequeueContentLocked(scope); item != nil {
			s.setStatusLocked(protocol.StatusDecryptingEvents)
			return &workItem{kind: queueEncryptedContent, run: func(ctx context.Context) error {
				return s.processEncryptedContent(ctx, item)
			}}
		}
		if conversationID, ok := s.dequeueMissingKeysLocked(scope, now); ok {
			s.setStatusLocked(protocol.StatusRequestingKeys)
			return &workItem{kind: queueMissingKeys, run: func(ctx context.Context) error {
				return s.processMissingKeys(ctx, conversationID)
			}}
		}
	}

	if s.solicitationsDirty {
		sort.SliceStable(s.solicitations, func(i, j int) bool {
			return s.solicitations[i].respondAfter.Before(s.solicitations[j].respondAfter)
		})
		s.solicitationsDirty = false
	}
	if item := s.dequeueSolicitationLocked(&s.solicitations, "", now); item != nil {
		s.setStatusLocked(protocol.StatusRespondingToKeyRequests)
		return &workItem{kind: queueSolicitations, run: func(ctx context.Context) error {
			return s.processKeySolicitation(ctx, item)
		}}
	}
	return nil
}

// scopesLocked lists the high priority conversations followed by "" for any
// conversation.
func (s *Scheduler) scopesLocked() []string {
	return append(append([]string(nil), s.highPriority...), "")
}

func inScope(scope, conversationID string) bool {
	return scope == "" || scope == conversationID
}

func (s *Scheduler) dequeueSolicitationLocked(queue *[]*solicitationItem, scope string, now time.Time) *solicitationItem {
	for i, item := range *queue {
		if !inScope(scope, item.conversationID) || item.respondAfter.After(now) || !s.upToDate.Contains(item.conversationID) {
			continue
		}
		*queue = append((*queue)[:i], (*queue)[i+1:]...)
		return item
	}
	return nil
}

func (s *Scheduler) dequeueContentLocked(scope string) *protocol.EncryptedContent {
	for i, item := range s.encryptedContent {
		if inScope(scope, item.ConversationID) {
			s.encryptedContent = append(s.encryptedContent[:i], s.encryptedContent[i+1:]...)
			return item
		}
	}
	return nil
}

func (s *Scheduler) dequeueMissingKeysLocked(scope string, now time.Time) (string, bool) {
	for i, entry := range s.missingKeys {
		if !inScope(scope, entry.conversationID) || entry.at.After(now) || !s.upToDate.Contains(entry.conversationID) {
			continue
		}
		s.missingKeys = append(s.missingKeys[:i], s.missingKeys[i+1:]...)
		return entry.conversationID, true
	}
	return "", false
}

func (s *Scheduler) setStatusLocked(status protocol.DecryptionStatus) {
	if s.status == status {
		return
	}
	s.status = status
	s.pendingStatus = append(s.pendingStatus, status)
}

// unlockAndNotify publishes metrics, releases the lock and then reports
// status changes, so sinks may call back into the scheduler.
func (s *Scheduler) unlockAndNotify() {
	s.metrics.setQueueLength(queuePriority, len(s.priorityTasks))
	s.metrics.setQueueLength(queueOverlay, len(s.overlayEvents))
	s.metrics.setQueueLength(queueNewGroupSession, len(s.newGroupSession))
	s.metrics.setQueueLength(queueEncryptedContent, len(s.encryptedContent))
	s.metrics.setQueueLength(queueMissingKeys, len(s.missingKeys))
	s.metrics.setQueueLength(queueOwnSolicitations, len(s.ownSolicitations))
	s.metrics.setQueueLength(queueSolicitations, len(s.solicitations))
	s.metrics.setQueueLength(queueBacklog, s.backlogLenLocked())
	s.metrics.setStatus(s.status)

	pending := s.pendingStatus
	s.pendingStatus = nil
	s.mu.Unlock()

	for _, status := range pending {
		s.sink.OnStatusChange(status)
	}
}

func (s *Scheduler) backlogLenLocked() int {
	n := 0
	for _, buckets := range s.backlog {
		for _, items := range buckets {
			n += len(items)
		}
	}
	return n
}

func sortedSlice(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// Stats is a snapshot of the queues.
type Stats struct {
	Status              protocol.DecryptionStatus
	PriorityTasks       int
	OverlayEvents       int
	NewGroupSessions    int
	PendingAcks         int
	EncryptedContent    int
	MissingKeys         int
	OwnKeySolicitations int
	KeySolicitations    int
	// Backlog counts content waiting for a session.
	Backlog int
}

// Stats returns the current queue sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Status:              s.status,
		PriorityTasks:       len(s.priorityTasks),
		OverlayEvents:       len(s.overlayEvents),
		NewGroupSessions:    len(s.newGroupSession),
		PendingAcks:         len(s.pendingAck),
		EncryptedContent:    len(s.encryptedContent),
		MissingKeys:         len(s.missingKeys),
		OwnKeySolicitations: len(s.ownSolicitations),
		KeySolicitations:    len(s.solicitations),
		Backlog:             s.backlogLenLocked(),
	}
}

// WaitingSessionIDs returns the sorted session ids that buffered content of
// a conversation waits for.
func (s *Scheduler) WaitingSessionIDs(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.backlog[conversationID] {
		if id != overlayBucket {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
