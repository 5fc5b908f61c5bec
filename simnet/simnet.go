package simnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/interfaces"
	"github.com/opd-ai/groupcrypt/protocol"
)

// ErrUnknownConversation is returned for sends into a conversation without
// members.
var ErrUnknownConversation = errors.New("simnet: unknown conversation")

// Handler receives what the network delivers to one device. Calls are made
// synchronously from the sender's goroutine.
type Handler interface {
	OnSessionKeys(bundle *protocol.SessionKeysBundle)
	OnKeySolicitation(conversationID, userID, eventID string, solicitation protocol.KeySolicitation)
	OnKeyFulfillment(conversationID string, fulfillment protocol.KeyFulfillment)
}

// DeliveryKind names a logged delivery.
type DeliveryKind string

const (
	DeliverySessionKeys  DeliveryKind = "session_keys"
	DeliverySolicitation DeliveryKind = "key_solicitation"
	DeliveryFulfillment  DeliveryKind = "key_fulfillment"
)

// DeliveryRecord is one delivery to one device.
type DeliveryRecord struct {
	Kind           DeliveryKind
	ConversationID string
	EventID        string
	From           string
	To             string
}

type storedSolicitation struct {
	userID       string
	eventID      string
	solicitation protocol.KeySolicitation
}

// Network is an in-memory chat backend shared by simulated devices.
type Network struct {
	mu            sync.Mutex
	members       map[string]mapset.Set[string]
	denied        map[string]mapset.Set[string]
	devices       map[string][]protocol.UserDevice
	nodes         map[string]*Node
	solicitations map[string]map[string]*storedSolicitation
	fulfillments  map[string]mapset.Set[string]
	revoked       mapset.Set[string]
	deliveries    []DeliveryRecord
}

// New creates an empty network.
func New() *Network {
	return &Network{
		members:       make(map[string]mapset.Set[string]),
		denied:        make(map[string]mapset.Set[string]),
		devices:       make(map[string][]protocol.UserDevice),
		nodes:         make(map[string]*Node),
		solicitations: make(map[string]map[string]*storedSolicitation),
		fulfillments:  make(map[string]mapset.Set[string]),
		revoked:       mapset.NewThreadUnsafeSet[string](),
	}
}

// AddMembers adds users to a conversation, creating it if needed.
func (n *Network) AddMembers(conversationID string, userIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.members[conversationID]
	if set == nil {
		set = mapset.NewThreadUnsafeSet[string]()
		n.members[conversationID] = set
	}
	for _, id := range userIDs {
		set.Add(id)
	}
}

// RemoveMember takes a user out of a conversation.
func (n *Network) RemoveMember(conversationID, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set := n.members[conversationID]; set != nil {
		set.Remove(userID)
	}
}

// Deny withdraws a member's read entitlement without removing them.
func (n *Network) Deny(conversationID, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.denied[conversationID]
	if set == nil {
		set = mapset.NewThreadUnsafeSet[string]()
		n.denied[conversationID] = set
	}
	set.Add(userID)
}

// Revoke marks an event invalid, as if it had been redacted.
func (n *Network) Revoke(eventID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked.Add(eventID)
}

// Deliveries returns the delivery log.
func (n *Network) Deliveries() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]DeliveryRecord(nil), n.deliveries...)
}

// CountDeliveries returns how many deliveries of kind were made.
func (n *Network) CountDeliveries(kind DeliveryKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, d := range n.deliveries {
		if d.Kind == kind {
			count++
		}
	}
	return count
}

// Node creates the transport of one device of userID. The device becomes
// reachable once Attach publishes its keys.
func (n *Network) Node(userID string) *Node {
	node := &Node{net: n, userID: userID}
	node.inboxUpToDate.Store(true)
	return node
}

type target struct {
	deviceKey string
	node      *Node
}

// targetsLocked lists the attached devices of userIDs.
func (n *Network) targetsLocked(userIDs []string) []target {
	var out []target
	for _, userID := range userIDs {
		for _, device := range n.devices[userID] {
			if node := n.nodes[device.DeviceKey]; node != nil {
				out = append(out, target{deviceKey: device.DeviceKey, node: node})
			}
		}
	}
	return out
}

func (n *Network) memberIDsLocked(conversationID string) []string {
	set := n.members[conversationID]
	if set == nil {
		return nil
	}
	return sortedIDs(set)
}

func fulfillmentKey(f protocol.KeyFulfillment) string {
	return f.DeviceKey + "|" + strings.Join(protocol.SortedCopy(f.SessionIDs), ",")
}

// Node is one device's view of the network. It implements
// interfaces.Transport.
type Node struct {
	net           *Network
	userID        string
	deviceKey     string
	handler       Handler
	inboxUpToDate atomic.Bool

	mu   sync.Mutex
	acks []*protocol.SessionKeysBundle
}

var _ interfaces.Transport = (*Node)(nil)

// Attach publishes the device's keys and starts delivering to handler.
func (nd *Node) Attach(keys protocol.UserDevice, handler Handler) {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()

	nd.deviceKey = keys.DeviceKey
	nd.handler = handler
	n.nodes[keys.DeviceKey] = nd

	devices := n.devices[nd.userID][:0:0]
	for _, d := range n.devices[nd.userID] {
		if d.DeviceKey != keys.DeviceKey {
			devices = append(devices, d)
		}
	}
	n.devices[nd.userID] = append(devices, keys)

	logrus.WithFields(logrus.Fields{
		"function":   "Node.Attach",
		"user_id":    nd.userID,
		"device_key": protocol.ShortID(keys.DeviceKey),
	}).Debug("Attached simulated device")
}

// UserID returns the node's user.
func (nd *Node) UserID() string { return nd.userID }

// SetInboxUpToDate changes what IsUserInboxUpToDate reports.
func (nd *Node) SetInboxUpToDate(upToDate bool) { nd.inboxUpToDate.Store(upToDate) }

// Acks returns the bundles this device acknowledged.
func (nd *Node) Acks() []*protocol.SessionKeysBundle {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return append([]*protocol.SessionKeysBundle(nil), nd.acks...)
}

// DownloadDeviceInfo implements interfaces.DeviceSource.
func (nd *Node) DownloadDeviceInfo(_ context.Context, userIDs []string) (protocol.DeviceDirectory, error) {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(protocol.DeviceDirectory, len(userIDs))
	for _, id := range userIDs {
		out[id] = append([]protocol.UserDevice{}, n.devices[id]...)
	}
	return out, nil
}

// DevicesInConversation implements interfaces.DeviceSource. Members are
// returned without devices so the caller resolves them.
func (nd *Node) DevicesInConversation(_ context.Context, conversationID string) (protocol.DeviceDirectory, error) {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := n.memberIDsLocked(conversationID)
	if ids == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	out := make(protocol.DeviceDirectory, len(ids))
	for _, id := range ids {
		out[id] = nil
	}
	return out, nil
}

// SendSessionKeys implements interfaces.SessionKeySender.
func (nd *Node) SendSessionKeys(_ context.Context, bundle *protocol.SessionKeysBundle, userIDs []string) error {
	n := nd.net
	sent := *bundle
	if sent.EventID == "" {
		sent.EventID = uuid.NewString()
	}

	n.mu.Lock()
	var targets []target
	for _, t := range n.targetsLocked(userIDs) {
		if _, ok := sent.Ciphertexts[t.deviceKey]; ok {
			targets = append(targets, t)
			n.deliveries = append(n.deliveries, DeliveryRecord{
				Kind:           DeliverySessionKeys,
				ConversationID: sent.ConversationID,
				EventID:        sent.EventID,
				From:           nd.deviceKey,
				To:             t.deviceKey,
			})
		}
	}
	n.mu.Unlock()

	for _, t := range targets {
		delivered := sent
		t.node.handler.OnSessionKeys(&delivered)
	}
	return nil
}

// SendKeySolicitation implements interfaces.KeyExchange. A device's new
// solicitation replaces its previous one in the conversation.
func (nd *Node) SendKeySolicitation(_ context.Context, conversationID string, solicitation protocol.KeySolicitation) error {
	n := nd.net
	eventID := uuid.NewString()

	n.mu.Lock()
	members := n.memberIDsLocked(conversationID)
	if members == nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	bySender := n.solicitations[conversationID]
	if bySender == nil {
		bySender = make(map[string]*storedSolicitation)
		n.solicitations[conversationID] = bySender
	}
	if prev := bySender[solicitation.DeviceKey]; prev != nil {
		n.revoked.Add(prev.eventID)
	}
	bySender[solicitation.DeviceKey] = &storedSolicitation{userID: nd.userID, eventID: eventID, solicitation: solicitation}
	if done := n.fulfillments[conversationID]; done != nil {
		for _, key := range done.ToSlice() {
			if strings.HasPrefix(key, solicitation.DeviceKey+"|") {
				done.Remove(key)
			}
		}
	}

	targets := n.targetsLocked(members)
	for _, t := range targets {
		n.deliveries = append(n.deliveries, DeliveryRecord{
			Kind:           DeliverySolicitation,
			ConversationID: conversationID,
			EventID:        eventID,
			From:           nd.deviceKey,
			To:             t.deviceKey,
		})
	}
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Node.SendKeySolicitation",
		"conversation_id": conversationID,
		"sessions":        len(solicitation.SessionIDs),
		"is_new_device":   solicitation.IsNewDevice,
	}).Debug("Delivering key solicitation")

	for _, t := range targets {
		t.node.handler.OnKeySolicitation(conversationID, nd.userID, eventID, solicitation)
	}
	return nil
}

// SendKeyFulfillment implements interfaces.KeyExchange. A second identical
// fulfillment is rejected with protocol.ErrDuplicateEvent.
func (nd *Node) SendKeyFulfillment(_ context.Context, conversationID string, fulfillment protocol.KeyFulfillment) error {
	n := nd.net
	eventID := uuid.NewString()

	n.mu.Lock()
	members := n.memberIDsLocked(conversationID)
	if members == nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	done := n.fulfillments[conversationID]
	if done == nil {
		done = mapset.NewThreadUnsafeSet[string]()
		n.fulfillments[conversationID] = done
	}
	key := fulfillmentKey(fulfillment)
	if done.Contains(key) {
		n.mu.Unlock()
		return protocol.ErrDuplicateEvent
	}
	done.Add(key)

	if stored := n.solicitations[conversationID][fulfillment.DeviceKey]; stored != nil {
		remaining := mapset.NewThreadUnsafeSet(stored.solicitation.SessionIDs...).
			Difference(mapset.NewThreadUnsafeSet(fulfillment.SessionIDs...))
		if len(fulfillment.SessionIDs) == 0 || (remaining.Cardinality() == 0 && !stored.solicitation.IsNewDevice) {
			delete(n.solicitations[conversationID], fulfillment.DeviceKey)
		} else {
			stored.solicitation.SessionIDs = sortedIDs(remaining)
		}
	}

	targets := n.targetsLocked(members)
	for _, t := range targets {
		n.deliveries = append(n.deliveries, DeliveryRecord{
			Kind:           DeliveryFulfillment,
			ConversationID: conversationID,
			EventID:        eventID,
			From:           nd.deviceKey,
			To:             t.deviceKey,
		})
	}
	n.mu.Unlock()

	for _, t := range targets {
		t.node.handler.OnKeyFulfillment(conversationID, fulfillment)
	}
	return nil
}

// KeySolicitations implements interfaces.KeyExchange.
func (nd *Node) KeySolicitations(_ context.Context, conversationID, userID string) ([]protocol.KeySolicitation, error) {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []protocol.KeySolicitation
	for _, stored := range n.solicitations[conversationID] {
		if stored.userID == userID {
			out = append(out, stored.solicitation)
		}
	}
	return out, nil
}

// IsUserEntitled implements interfaces.Entitlements. Members may read
// unless denied.
func (nd *Node) IsUserEntitled(_ context.Context, conversationID, userID string, _ protocol.Permission) (bool, error) {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.members[conversationID]
	if members == nil || !members.Contains(userID) {
		return false, nil
	}
	if denied := n.denied[conversationID]; denied != nil && denied.Contains(userID) {
		return false, nil
	}
	return true, nil
}

// HasStream implements interfaces.StreamState: the node's user is a member.
func (nd *Node) HasStream(_ context.Context, conversationID string) bool {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.members[conversationID]
	return members != nil && members.Contains(nd.userID)
}

// IsValidEvent implements interfaces.StreamState.
func (nd *Node) IsValidEvent(_ context.Context, _ string, eventID string) protocol.EventValidity {
	n := nd.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.revoked.Contains(eventID) {
		return protocol.EventValidity{Valid: false, Reason: "revoked"}
	}
	return protocol.EventValidity{Valid: true}
}

// IsUserInboxUpToDate implements interfaces.StreamState.
func (nd *Node) IsUserInboxUpToDate(context.Context) bool {
	return nd.inboxUpToDate.Load()
}

// AckNewGroupSession implements interfaces.StreamState.
func (nd *Node) AckNewGroupSession(_ context.Context, bundle *protocol.SessionKeysBundle) error {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.acks = append(nd.acks, bundle)
	return nil
}

func sortedIDs(set mapset.Set[string]) []string {
	return protocol.SortedCopy(set.ToSlice())
}
