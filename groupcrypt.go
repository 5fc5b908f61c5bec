package groupcrypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/groupcrypt/config"
	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/device"
	"github.com/opd-ai/groupcrypt/groupcrypto"
	"github.com/opd-ai/groupcrypt/interfaces"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/scheduler"
	"github.com/opd-ai/groupcrypt/store"
)

// ErrNoTransport is returned by New when Options.Transport is unset.
var ErrNoTransport = errors.New("transport is required")

// Options contains the configuration for an Engine.
type Options struct {
	Config *config.Config
	// Transport connects the engine to its chat backend. Required.
	Transport interfaces.Transport
	// Store replaces the SQLite store at Config.DatabasePath. An injected
	// store is not closed by Stop.
	Store store.Store
	// Overlay decrypts content of the membership-based group protocol.
	Overlay interfaces.OverlayProtocol
	// Sink receives decrypted content, failures and status changes.
	Sink         interfaces.EventSink
	TimeProvider crypto.TimeProvider
	// Registerer receives the scheduler metrics.
	Registerer prometheus.Registerer
}

// NewOptions returns options with the default configuration.
func NewOptions(transport interfaces.Transport) *Options {
	return &Options{
		Config:    config.Default(),
		Transport: transport,
	}
}

// Engine is the group encryption engine of one device.
type Engine struct {
	cfg       *config.Config
	store     store.Store
	ownsStore bool

	device    *device.Device
	crypto    *groupcrypto.GroupEncryptionCrypto
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	started bool
}

// New wires an engine. Call Start before use.
func New(opts *Options) (*Engine, error) {
	if opts == nil || opts.Transport == nil {
		return nil, ErrNoTransport
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, owns := opts.Store, false
	if st == nil {
		path := cfg.ResolveDatabasePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		sqlite, err := store.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		st, owns = sqlite, true
	}

	dev, err := device.New(st, device.Options{
		PickleSecret: []byte(cfg.PickleSecret),
		DeviceKeyTTL: cfg.DeviceKeyTTL.Duration,
		TimeProvider: opts.TimeProvider,
	})
	if err != nil {
		return nil, closeOwned(owns, st, err)
	}

	gc := groupcrypto.New(dev, opts.Transport, groupcrypto.Options{
		UserID:           cfg.UserID,
		ShareConcurrency: cfg.ShareConcurrency,
		ShareMaxElapsed:  cfg.ShareMaxElapsed.Duration,
	})

	sched, err := scheduler.New(scheduler.Deps{
		Crypto:    gc,
		Transport: opts.Transport,
		Overlay:   opts.Overlay,
		Sink:      opts.Sink,
		Self:      dev.Keys,
	}, scheduler.Config{
		UserID:                    cfg.UserID,
		MissingKeyRetryDelay:      cfg.MissingKeyRetryDelay.Duration,
		MaxRequestedSessionIDs:    cfg.MaxRequestedSessionIDs,
		SolicitationRespondDelay:  cfg.SolicitationRespondDelay.Duration,
		HighPriorityConversations: cfg.HighPriorityConversations,
		TimeProvider:              opts.TimeProvider,
		Registerer:                opts.Registerer,
	})
	if err != nil {
		_ = gc.Close(context.Background())
		return nil, closeOwned(owns, st, err)
	}

	return &Engine{
		cfg:       cfg,
		store:     st,
		ownsStore: owns,
		device:    dev,
		crypto:    gc,
		scheduler: sched,
	}, nil
}

func closeOwned(owns bool, st store.Store, err error) error {
	if owns {
		return multierr.Append(err, st.Close())
	}
	return err
}

// Start loads or creates the device account and starts the scheduler.
// Account errors, such as device.ErrAccountCorrupt, are returned as is.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.device.Initialize(ctx); err != nil {
		return err
	}

	e.scheduler.EnqueuePriorityTask(scheduler.PriorityTask{
		Name: "sweep_device_directory",
		Run: func(ctx context.Context) error {
			removed, err := e.device.Directory().Sweep(ctx)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "sweep_device_directory",
				"removed":  removed,
			}).Debug("Swept expired device keys")
			return nil
		},
	})
	e.scheduler.Start(ctx)
	e.started = true

	logrus.WithFields(logrus.Fields{
		"function":   "Engine.Start",
		"user_id":    e.cfg.UserID,
		"device_key": protocol.ShortID(e.device.DeviceKey()),
	}).Info("Group encryption engine started")
	return nil
}

// Stop halts the scheduler, waits for background shares and releases the
// device. The engine cannot be restarted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	errs := multierr.Combine(
		e.scheduler.Stop(ctx),
		e.crypto.Close(ctx),
	)
	e.device.Close()
	if e.ownsStore {
		errs = multierr.Append(errs, e.store.Close())
	}
	e.started = false
	return errs
}

// DeviceInfo returns this device's published keys.
func (e *Engine) DeviceInfo() protocol.UserDevice {
	return e.device.Keys()
}

// Device returns the encryption device.
func (e *Engine) Device() *device.Device {
	return e.device
}

// RotateFallbackKey replaces the device's fallback key. The caller
// republishes DeviceInfo.
func (e *Engine) RotateFallbackKey(ctx context.Context) (string, error) {
	return e.device.RotateFallbackKey(ctx)
}

// EnsureOutboundSession creates and shares an outbound session when the
// conversation has none.
func (e *Engine) EnsureOutboundSession(ctx context.Context, conversationID string, algorithm protocol.Algorithm, opts groupcrypto.EnsureOptions) error {
	return e.crypto.EnsureOutboundSession(ctx, conversationID, algorithm, opts)
}

// EncryptGroupEvent encrypts plaintext for a conversation.
func (e *Engine) EncryptGroupEvent(ctx context.Context, conversationID string, plaintext []byte, algorithm protocol.Algorithm) (*protocol.EncryptedData, error) {
	return e.crypto.EncryptGroupEvent(ctx, conversationID, plaintext, algorithm)
}

// ImportRoomKeys imports a key export or backup and retries content that
// waited for the imported sessions.
func (e *Engine) ImportRoomKeys(ctx context.Context, sessions []protocol.GroupEncryptionSession, progress func(groupcrypto.ImportProgress)) *groupcrypto.ImportSummary {
	summary := e.crypto.ImportRoomKeys(ctx, sessions, progress)

	imported := make(map[string][]string)
	for _, r := range summary.Results {
		if r.Err == nil {
			imported[r.Session.ConversationID] = append(imported[r.Session.ConversationID], r.Session.SessionID)
		}
	}
	for conversationID, ids := range imported {
		e.scheduler.RetryDecryptionFailures(conversationID, ids)
	}
	return summary
}

// ExportRoomKeys exports every session the device holds.
func (e *Engine) ExportRoomKeys(ctx context.Context) ([]protocol.GroupEncryptionSession, error) {
	return e.crypto.ExportRoomKeys(ctx)
}

// Status returns the scheduler status.
func (e *Engine) Status() protocol.DecryptionStatus {
	return e.scheduler.Status()
}

// Stats returns the scheduler's queue sizes.
func (e *Engine) Stats() scheduler.Stats {
	return e.scheduler.Stats()
}

// SetConversationUpToDate marks whether a conversation has caught up.
func (e *Engine) SetConversationUpToDate(conversationID string, upToDate bool) {
	e.scheduler.SetStreamUpToDate(conversationID, upToDate)
}

// SetHighPriorityConversations replaces the conversations served first.
func (e *Engine) SetHighPriorityConversations(conversationIDs []string) {
	e.scheduler.SetHighPriorityStreams(conversationIDs)
}

// InboxUpdated tells the engine the transport's inbox state changed.
func (e *Engine) InboxUpdated() {
	e.scheduler.Poke()
}

// OnEncryptedContent queues received content for decryption.
func (e *Engine) OnEncryptedContent(content *protocol.EncryptedContent) {
	e.scheduler.EnqueueEncryptedContent(content)
}

// OnSessionKeys queues a received session key bundle.
func (e *Engine) OnSessionKeys(bundle *protocol.SessionKeysBundle) {
	e.scheduler.EnqueueNewGroupSessions(bundle)
}

// OnKeySolicitation queues a device's request for keys.
func (e *Engine) OnKeySolicitation(conversationID, userID, eventID string, solicitation protocol.KeySolicitation) {
	e.scheduler.EnqueueKeySolicitation(conversationID, userID, eventID, solicitation)
}

// OnKeyFulfillment withdraws solicitations another device answered.
func (e *Engine) OnKeyFulfillment(conversationID string, fulfillment protocol.KeyFulfillment) {
	e.scheduler.OnKeyFulfillment(conversationID, fulfillment)
}

// OnOverlayEvent queues overlay protocol work.
func (e *Engine) OnOverlayEvent(event protocol.OverlayEvent) {
	e.scheduler.EnqueueOverlayEvent(event)
}
