// Package candidate implements the categorized candidate table: peers
// keyed by sock_addr, each tracking a per-community walk/stumble/intro
// activity window used both to pick the walker's next hop and to
// supply clock.OpinionSource's global-time quorum.
package candidate

import (
	"sync"
	"time"

	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/wire"
)

// Category is one of the four per-(candidate, community) activity
// classes derived from the last walk/stumble/intro timestamps.
type Category int

const (
	None Category = iota
	Walk
	Stumble
	Intro
)

func (c Category) String() string {
	switch c {
	case Walk:
		return "walk"
	case Stumble:
		return "stumble"
	case Intro:
		return "intro"
	default:
		return "none"
	}
}

// categoryWalkWindow bounds how long a walk/stumble/intro contact
// stays in its category before falling back to none.
const categoryWalkWindow = 30 * time.Second

// communityState is one candidate's activity record within a single
// community.
type communityState struct {
	lastWalk     time.Time
	lastStumble  time.Time
	lastIntro    time.Time
	lastAny      time.Time
	globalTime   uint64
	associations map[ids.MemberID]*member.Member
}

// Candidate is one peer, keyed by sock_addr, shared by reference
// across every community that has observed it.
type Candidate struct {
	mu          sync.RWMutex
	sockAddr    string
	tunnel      bool
	lanAddress  wire.Address
	wanAddress  wire.Address
	isBootstrap bool

	communities map[ids.CommunityID]*communityState
}

// SockAddr returns the immutable key this candidate was created with.
func (c *Candidate) SockAddr() string { return c.sockAddr }

// IsBootstrap reports whether this candidate is a known bootstrap peer.
func (c *Candidate) IsBootstrap() bool { return c.isBootstrap }

// LANAddress returns the candidate's last-reported LAN address.
func (c *Candidate) LANAddress() wire.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lanAddress
}

// WANAddress returns the candidate's last-reported WAN address.
func (c *Candidate) WANAddress() wire.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wanAddress
}

// SetAddresses records the candidate's self-reported lan/wan addresses.
func (c *Candidate) SetAddresses(lan, wan wire.Address, tunnel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lanAddress, c.wanAddress, c.tunnel = lan, wan, tunnel
}

func (c *Candidate) stateLocked(community ids.CommunityID) *communityState {
	st, ok := c.communities[community]
	if !ok {
		st = &communityState{associations: make(map[ids.MemberID]*member.Member)}
		c.communities[community] = st
	}
	return st
}

// RecordWalkSent marks that we sent this candidate a request in community.
func (c *Candidate) RecordWalkSent(community ids.CommunityID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(community)
	st.lastWalk = now
	st.lastAny = now
}

// RecordStumble marks that this candidate contacted us first in community.
func (c *Candidate) RecordStumble(community ids.CommunityID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(community)
	st.lastStumble = now
	st.lastAny = now
}

// RecordIntro marks that we learned of this candidate via an
// introduction-response in community, without having contacted it yet.
func (c *Candidate) RecordIntro(community ids.CommunityID, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(community)
	if st.lastIntro.Before(now) {
		st.lastIntro = now
	}
	if st.lastAny.Before(now) {
		st.lastAny = now
	}
}

// RecordGlobalTime stores the highest global time this candidate has
// reported in community, consumed by clock.OpinionSource.
func (c *Candidate) RecordGlobalTime(community ids.CommunityID, gt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(community)
	if gt > st.globalTime {
		st.globalTime = gt
	}
}

// Associate links member with this candidate in community.
func (c *Candidate) Associate(community ids.CommunityID, m *member.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(community)
	st.associations[m.MID()] = m
}

// InCommunity reports whether this candidate has any recorded activity
// in community.
func (c *Candidate) InCommunity(community ids.CommunityID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.communities[community]
	return ok
}

// CategoryAt derives this candidate's activity category in community
// as of now. Walk wins over stumble, stumble over intro.
func (c *Candidate) CategoryAt(community ids.CommunityID, now time.Time) Category {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.communities[community]
	if !ok {
		return None
	}
	if !st.lastWalk.IsZero() && now.Sub(st.lastWalk) < categoryWalkWindow {
		return Walk
	}
	if !st.lastStumble.IsZero() && now.Sub(st.lastStumble) < categoryWalkWindow {
		return Stumble
	}
	if !st.lastIntro.IsZero() && now.Sub(st.lastIntro) < categoryWalkWindow {
		return Intro
	}
	return None
}

// IsAnyActive reports whether this candidate has shown any activity in
// community within window of now (used by clock.OpinionSource and the
// pruning sweep).
func (c *Candidate) IsAnyActive(community ids.CommunityID, now time.Time, window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.communities[community]
	if !ok {
		return false
	}
	return !st.lastAny.IsZero() && now.Sub(st.lastAny) < window
}

// GlobalTimeOpinion returns the highest global time this candidate has
// reported in community, or 0 if none.
func (c *Candidate) GlobalTimeOpinion(community ids.CommunityID) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.communities[community]
	if !ok {
		return 0
	}
	return st.globalTime
}

// Eligible reports whether this candidate may be rewalked now:
// non-bootstrap candidates every WalkRewalkInterval, bootstrap
// candidates every BootstrapRewalkInterval.
func (c *Candidate) Eligible(community ids.CommunityID, now time.Time, params config.Parameters) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.communities[community]
	if !ok {
		return true
	}
	interval := params.WalkRewalkInterval
	if c.isBootstrap {
		interval = params.BootstrapRewalkInterval
	}
	return st.lastWalk.IsZero() || now.Sub(st.lastWalk) >= interval
}

// EvictableAt reports whether this candidate has been in the none
// category, in every community it has a record for, for at least
// lifetime: the terminal pruning condition.
func (c *Candidate) EvictableAt(now time.Time, lifetime time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.communities) == 0 {
		return true
	}
	for cid := range c.communities {
		if c.categoryAtLocked(cid, now) != None {
			return false
		}
		st := c.communities[cid]
		if !st.lastAny.IsZero() && now.Sub(st.lastAny) < lifetime {
			return false
		}
	}
	return true
}

func (c *Candidate) categoryAtLocked(community ids.CommunityID, now time.Time) Category {
	st, ok := c.communities[community]
	if !ok {
		return None
	}
	if !st.lastWalk.IsZero() && now.Sub(st.lastWalk) < categoryWalkWindow {
		return Walk
	}
	if !st.lastStumble.IsZero() && now.Sub(st.lastStumble) < categoryWalkWindow {
		return Stumble
	}
	if !st.lastIntro.IsZero() && now.Sub(st.lastIntro) < categoryWalkWindow {
		return Intro
	}
	return None
}
