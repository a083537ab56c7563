// Package message implements the MetaMessage descriptor and
// MessageCatalog: an immutable per-community table of message
// kinds, populated from the framework's built-in messages and then the
// subclass's own, with a uniqueness check on name, and a 22-byte
// Conversion-prefix dispatch table that routes an incoming packet to
// its MetaMessage and, for timeline-affecting kinds, to the Timeline.
package message

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/scheduler"
)

// ResolutionKind is a MetaMessage's permission resolution policy.
type ResolutionKind int

const (
	Public ResolutionKind = iota
	Linear
	Dynamic
)

// DistributionKind is a MetaMessage's distribution policy.
type DistributionKind int

const (
	FullSync DistributionKind = iota
	LastSync
	Direct
)

// IsSync reports whether this distribution kind is a SyncDistribution,
// the first half of the syncable test.
func (k DistributionKind) IsSync() bool {
	return k == FullSync || k == LastSync
}

// DestinationKind is a MetaMessage's destination policy.
type DestinationKind int

const (
	CommunityDestination DestinationKind = iota
	CandidateDestination
)

// Authentication describes who must sign a message of this kind.
// Multiple signers model the authentication policy without
// prescribing the signature scheme itself.
type Authentication struct {
	MinSigners int
}

// framework message names that always flow through the Timeline in
// addition to their normal handler.
const (
	NameAuthorize        = "dispersy-authorize"
	NameRevoke           = "dispersy-revoke"
	NameDynamicSettings  = "dispersy-dynamic-settings"
	NameIdentity         = "dispersy-identity"
	NameDestroyCommunity = "dispersy-destroy-community"
)

// IsTimelineAffecting reports whether name is one of the three kinds
// that must always be replayed into the Timeline.
func IsTimelineAffecting(name string) bool {
	switch name {
	case NameAuthorize, NameRevoke, NameDynamicSettings:
		return true
	default:
		return false
	}
}

// MetaMessage is an immutable descriptor of a message kind within a
// community.
type MetaMessage struct {
	Name           string
	DatabaseID     int64
	Cluster        int
	Authentication Authentication
	Resolution     ResolutionKind
	Distribution   DistributionKind
	Destination    DestinationKind
	Priority       uint8
	// BatchMaxWindow debounces this kind's handler: inbound messages
	// accumulate for up to this long before being delivered in one
	// batch. Zero dispatches immediately.
	BatchMaxWindow time.Duration
	UndoCallback   func(msg *Message)
}

// Syncable reports whether this meta-message's packets are eligible
// for the anti-entropy bloom filter: distribution is SyncDistribution
// and priority > 32.
func (m *MetaMessage) Syncable() bool {
	return m.Distribution.IsSync() && m.Priority > 32
}

// Message is a decoded packet: its meta dispatches it to a handler.
type Message struct {
	Meta       *MetaMessage
	Author     *member.Member
	GlobalTime uint64
	Packet     []byte // raw wire bytes, used as the bloom filter key
	Payload    []byte // message-specific payload, post wire-header
}

// Conversion decodes and encodes the wire format for every meta-message
// sharing one 22-byte community-version prefix. Concrete per-message
// byte layouts live with the codec; Conversion is the seam the core
// dispatches through.
type Conversion interface {
	Decode(packet []byte) (*Message, error)
	Encode(msg *Message) ([]byte, error)
}

// Handler processes a decoded Message for one MetaMessage.
type Handler func(msg *Message) error

// ErrDuplicateName is returned when registering a second MetaMessage
// under a name already in the catalog.
type ErrDuplicateName struct{ Name string }

func (e *ErrDuplicateName) Error() string {
	return fmt.Sprintf("message: duplicate meta-message name %q", e.Name)
}

// ErrReservedName is returned when a user message uses the
// "dispersy-" prefix reserved for framework messages.
type ErrReservedName struct{ Name string }

func (e *ErrReservedName) Error() string {
	return fmt.Sprintf("message: user message name %q must not start with \"dispersy-\"", e.Name)
}

// Catalog is a community's MessageCatalog: populated from the
// framework's meta-messages first, then the subclass's own.
type Catalog struct {
	mu           sync.RWMutex
	byName       map[string]*MetaMessage
	byDatabaseID map[int64]*MetaMessage
	conversions  map[[22]byte]Conversion
	handlers     map[int64]Handler
	timelineHook func(msg *Message) error

	sched     *scheduler.Scheduler
	community string
	batches   map[int64]*BatchWindow
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName:       make(map[string]*MetaMessage),
		byDatabaseID: make(map[int64]*MetaMessage),
		conversions:  make(map[[22]byte]Conversion),
		handlers:     make(map[int64]Handler),
		batches:      make(map[int64]*BatchWindow),
	}
}

// BindScheduler attaches the run-queue batch windows arm their flush
// tasks on, tagged with community for unload cancellation. Without it,
// Dispatch delivers every message immediately regardless of
// BatchMaxWindow.
func (c *Catalog) BindScheduler(sched *scheduler.Scheduler, community string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sched = sched
	c.community = community
}

// RegisterFramework registers one of Dispersy's own meta-messages
// (e.g. dispersy-identity, dispersy-authorize). Unlike RegisterUser,
// it permits the "dispersy-" name prefix.
func (c *Catalog) RegisterFramework(meta *MetaMessage, handler Handler) error {
	return c.register(meta, handler, true)
}

// RegisterUser registers a subclass's own meta-message. Its name must
// not start with "dispersy-".
func (c *Catalog) RegisterUser(meta *MetaMessage, handler Handler) error {
	if strings.HasPrefix(meta.Name, "dispersy-") {
		return &ErrReservedName{Name: meta.Name}
	}
	return c.register(meta, handler, false)
}

func (c *Catalog) register(meta *MetaMessage, handler Handler, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byName[meta.Name]; exists {
		return &ErrDuplicateName{Name: meta.Name}
	}
	c.byName[meta.Name] = meta
	c.byDatabaseID[meta.DatabaseID] = meta
	if handler != nil {
		c.handlers[meta.DatabaseID] = handler
	}
	return nil
}

// RegisterConversion associates a 22-byte community-prefix with the
// Conversion used to decode/encode packets carrying it.
func (c *Catalog) RegisterConversion(prefix [22]byte, conv Conversion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversions[prefix] = conv
}

// SetTimelineHook installs the callback invoked, in addition to the
// normal handler, for every timeline-affecting message dispatched.
func (c *Catalog) SetTimelineHook(hook func(msg *Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timelineHook = hook
}

// ByName looks up a registered meta-message.
func (c *Catalog) ByName(name string) (*MetaMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// ByDatabaseID looks up a registered meta-message.
func (c *Catalog) ByDatabaseID(id int64) (*MetaMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byDatabaseID[id]
	return m, ok
}

// All returns every registered meta-message, framework and user alike.
func (c *Catalog) All() []*MetaMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*MetaMessage, 0, len(c.byName))
	for _, m := range c.byName {
		out = append(out, m)
	}
	return out
}

// Syncable returns the database ids of every syncable meta-message,
// the set the SyncEngine draws its bloom filters from.
func (c *Catalog) Syncable() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int64, 0, len(c.byDatabaseID))
	for id, m := range c.byDatabaseID {
		if m.Syncable() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ErrUnknownPrefix is returned by Dispatch when no Conversion is
// registered for a packet's community prefix.
var ErrUnknownPrefix = fmt.Errorf("message: no conversion registered for prefix")

// ErrNoHandler is returned by Dispatch when a decoded message's
// meta-message has no registered handler.
type ErrNoHandler struct{ Name string }

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("message: no handler registered for %q", e.Name)
}

// Dispatch decodes packet via the Conversion registered for its
// leading 22-byte prefix, then routes the resulting Message to its
// meta-message's handler, additionally invoking the timeline hook for
// timeline-affecting kinds.
func (c *Catalog) Dispatch(prefix [22]byte, packet []byte) error {
	c.mu.RLock()
	conv, ok := c.conversions[prefix]
	c.mu.RUnlock()
	if !ok {
		return ErrUnknownPrefix
	}

	msg, err := conv.Decode(packet)
	if err != nil {
		return err
	}

	if IsTimelineAffecting(msg.Meta.Name) {
		c.mu.RLock()
		hook := c.timelineHook
		c.mu.RUnlock()
		if hook != nil {
			if err := hook(msg); err != nil {
				return err
			}
		}
	}

	c.mu.RLock()
	handler, ok := c.handlers[msg.Meta.DatabaseID]
	c.mu.RUnlock()
	if !ok {
		return &ErrNoHandler{Name: msg.Meta.Name}
	}

	if bw := c.batchWindowFor(msg.Meta, handler); bw != nil {
		bw.Add(msg)
		return nil
	}
	return handler(msg)
}

// batchWindowFor returns the window msg's kind is debounced through,
// creating it on first use, or nil when the kind dispatches
// immediately (no BatchMaxWindow, or no scheduler bound).
func (c *Catalog) batchWindowFor(meta *MetaMessage, handler Handler) *BatchWindow {
	if meta.BatchMaxWindow <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		return nil
	}
	bw, ok := c.batches[meta.DatabaseID]
	if !ok {
		bw = NewBatchWindow(c.sched, c.community, meta.BatchMaxWindow, func(batch []*Message) {
			// each message fails independently, a bad one does not
			// stop the rest of the batch
			for _, m := range batch {
				_ = handler(m)
			}
		})
		c.batches[meta.DatabaseID] = bw
	}
	return bw
}

// CommunityPrefix builds the 22-byte prefix prepended to every
// community-level packet: dispersy_version(1) ∥
// community_version(1) ∥ cid(20).
func CommunityPrefix(dispersyVersion, communityVersion byte, cid ids.CommunityID) [22]byte {
	var p [22]byte
	p[0] = dispersyVersion
	p[1] = communityVersion
	copy(p[2:], cid[:])
	return p
}
