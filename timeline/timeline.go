// Package timeline implements the permission timeline: an
// append-only, causally ordered log of authorize/revoke/dynamic-settings
// entries keyed by (member, meta_message, permission, global_time),
// replayed in (global_time, packet_bytes) lexicographic order so that
// every peer derives a byte-identical allow/deny decision table.
package timeline

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/dispersy-go/dispersy/dispersyerr"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/message"
)

// Permission is one of the four kinds of authority an entry grants or
// revokes.
type Permission int

const (
	Permit Permission = iota
	Authorize
	Revoke
	Undo
)

func (p Permission) String() string {
	switch p {
	case Permit:
		return "permit"
	case Authorize:
		return "authorize"
	case Revoke:
		return "revoke"
	case Undo:
		return "undo"
	default:
		return "unknown"
	}
}

// ErrNotAuthorized is returned when an issuer lacks the authority, as
// of the packet's own global time, to grant or revoke the permission
// it is attempting to change. It wraps dispersyerr.ErrDropPacket: the
// packet is dropped, non-fatally, and the rest of the log is still
// replayed.
var ErrNotAuthorized = fmt.Errorf("timeline: issuer not authorized at this global time: %w", dispersyerr.ErrDropPacket)

// Triplet is one (member, meta_message, permission) grant or
// revocation carried by a single authorize/revoke packet.
type Triplet struct {
	Member     *member.Member
	Meta       *message.MetaMessage
	Permission Permission
}

// PolicyChange is one meta-message's resolution policy change carried
// by a dispersy-dynamic-settings packet.
type PolicyChange struct {
	Meta       *message.MetaMessage
	Resolution message.ResolutionKind
}

// Entry is one record in the Timeline's append-only log.
type Entry struct {
	Member      *member.Member
	Meta        *message.MetaMessage
	Permission  Permission
	GlobalTime  uint64
	Grant       bool
	PacketBytes []byte
}

type decisionKey struct {
	memberID   ids.MemberID
	metaName   string
	permission Permission
}

type point struct {
	gt    uint64
	grant bool
}

type resolutionPoint struct {
	gt         uint64
	resolution message.ResolutionKind
}

// Timeline is a single community's permission log plus the decision
// table derived from it.
type Timeline struct {
	mu          sync.RWMutex
	master      ids.MemberID
	log         []Entry
	decisions   map[decisionKey][]point
	resolutions map[string][]resolutionPoint
}

// New returns an empty Timeline for the community identified by its
// master member. The master holds every permission implicitly, which
// is what lets the very first authorize in a community succeed without
// a prior grantor.
func New(master ids.MemberID) *Timeline {
	return &Timeline{
		master:      master,
		decisions:   make(map[decisionKey][]point),
		resolutions: make(map[string][]resolutionPoint),
	}
}

// resolutionAtLocked returns meta's resolution kind as of atGT,
// accounting for any dispersy-dynamic-settings changes applied before
// it. The caller must hold t.mu.
func (t *Timeline) resolutionAtLocked(meta *message.MetaMessage, atGT uint64) message.ResolutionKind {
	pts := t.resolutions[meta.Name]
	idx := sort.Search(len(pts), func(i int) bool { return pts[i].gt >= atGT })
	if idx == 0 {
		return meta.Resolution
	}
	return pts[idx-1].resolution
}

// ResolutionAt returns meta's effective resolution policy as of atGT.
func (t *Timeline) ResolutionAt(meta *message.MetaMessage, atGT uint64) message.ResolutionKind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.resolutionAtLocked(meta, atGT)
}

// allowedLocked is Allowed without acquiring t.mu; the caller must
// already hold it (read or write).
func (t *Timeline) allowedLocked(mem *member.Member, meta *message.MetaMessage, perm Permission, atGT uint64) bool {
	if mem.MID() == t.master {
		return true
	}
	key := decisionKey{memberID: mem.MID(), metaName: meta.Name, permission: perm}
	pts := t.decisions[key]
	idx := sort.Search(len(pts), func(i int) bool { return pts[i].gt >= atGT })
	if idx > 0 {
		return pts[idx-1].grant
	}
	return t.resolutionAtLocked(meta, atGT) == message.Public && perm == Permit
}

// Allowed reports whether mem holds perm on meta as of atGT: the
// grant/deny value of the last entry with entry.gt < atGT, or, absent
// any entry, deny. Public-resolution Permit defaults to allow.
func (t *Timeline) Allowed(mem *member.Member, meta *message.MetaMessage, perm Permission, atGT uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowedLocked(mem, meta, perm, atGT)
}

func (t *Timeline) appendLocked(e Entry) {
	key := decisionKey{memberID: e.Member.MID(), metaName: e.Meta.Name, permission: e.Permission}
	pts := t.decisions[key]
	idx := sort.Search(len(pts), func(i int) bool { return pts[i].gt >= e.GlobalTime })
	pts = append(pts, point{})
	copy(pts[idx+1:], pts[idx:])
	pts[idx] = point{gt: e.GlobalTime, grant: e.Grant}
	t.decisions[key] = pts
	t.log = append(t.log, e)
}

// Authorize appends grant=true entries for every triplet, after
// verifying issuer holds Authorize on each triplet's meta_message as
// of atGT. It fails atomically: if issuer lacks authority for any
// triplet, none are appended.
func (t *Timeline) Authorize(issuer *member.Member, triplets []Triplet, atGT uint64, packetBytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range triplets {
		if !t.allowedLocked(issuer, tr.Meta, Authorize, atGT) {
			return ErrNotAuthorized
		}
	}
	for _, tr := range triplets {
		t.appendLocked(Entry{
			Member:      tr.Member,
			Meta:        tr.Meta,
			Permission:  tr.Permission,
			GlobalTime:  atGT,
			Grant:       true,
			PacketBytes: packetBytes,
		})
	}
	return nil
}

// Revoke appends grant=false entries for every triplet, after
// verifying issuer holds Revoke on each triplet's meta_message as of
// atGT.
func (t *Timeline) Revoke(issuer *member.Member, triplets []Triplet, atGT uint64, packetBytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range triplets {
		if !t.allowedLocked(issuer, tr.Meta, Revoke, atGT) {
			return ErrNotAuthorized
		}
	}
	for _, tr := range triplets {
		t.appendLocked(Entry{
			Member:      tr.Member,
			Meta:        tr.Meta,
			Permission:  tr.Permission,
			GlobalTime:  atGT,
			Grant:       false,
			PacketBytes: packetBytes,
		})
	}
	return nil
}

// ApplyDynamicSettings records a meta-message's resolution policy
// change, after verifying issuer holds Authorize on that meta_message
// as of atGT.
func (t *Timeline) ApplyDynamicSettings(issuer *member.Member, changes []PolicyChange, atGT uint64, packetBytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range changes {
		if !t.allowedLocked(issuer, ch.Meta, Authorize, atGT) {
			return ErrNotAuthorized
		}
	}
	for _, ch := range changes {
		pts := t.resolutions[ch.Meta.Name]
		idx := sort.Search(len(pts), func(i int) bool { return pts[i].gt >= atGT })
		pts = append(pts, resolutionPoint{})
		copy(pts[idx+1:], pts[idx:])
		pts[idx] = resolutionPoint{gt: atGT, resolution: ch.Resolution}
		t.resolutions[ch.Meta.Name] = pts
	}
	_ = packetBytes
	return nil
}

// PacketKind distinguishes the three timeline-affecting packet kinds
// a ReplayPacket can carry.
type PacketKind int

const (
	PacketAuthorize PacketKind = iota
	PacketRevoke
	PacketDynamicSettings
)

// ReplayPacket is one decoded authorize/revoke/dynamic-settings packet
// awaiting replay.
type ReplayPacket struct {
	Kind          PacketKind
	Issuer        *member.Member
	GlobalTime    uint64
	PacketBytes   []byte
	Triplets      []Triplet
	PolicyChanges []PolicyChange
}

// Replay reprocesses packets in (global_time, packet_bytes)
// lexicographic order, so every peer given the same packet set
// derives an identical decision table. It is used at load time and
// whenever the log is reconstructed. A packet
// whose issuer is not authorized is dropped; the rest of the batch is
// still replayed. initializing, when true, signals that this replay
// originates from a fresh load rather than live traffic; the Timeline
// itself performs no outgoing propagation, so the flag only matters to
// callers (syncengine/community) that do propagate.
func (t *Timeline) Replay(packets []ReplayPacket, initializing bool) []error {
	_ = initializing

	sorted := make([]ReplayPacket, len(packets))
	copy(sorted, packets)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].GlobalTime != sorted[j].GlobalTime {
			return sorted[i].GlobalTime < sorted[j].GlobalTime
		}
		return bytes.Compare(sorted[i].PacketBytes, sorted[j].PacketBytes) < 0
	})

	var errs dispersyerr.Errs
	for _, p := range sorted {
		switch p.Kind {
		case PacketAuthorize:
			errs.Add(t.Authorize(p.Issuer, p.Triplets, p.GlobalTime, p.PacketBytes))
		case PacketRevoke:
			errs.Add(t.Revoke(p.Issuer, p.Triplets, p.GlobalTime, p.PacketBytes))
		case PacketDynamicSettings:
			errs.Add(t.ApplyDynamicSettings(p.Issuer, p.PolicyChanges, p.GlobalTime, p.PacketBytes))
		}
	}
	return errs.All()
}

// Len returns the number of entries successfully appended to the log.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}
