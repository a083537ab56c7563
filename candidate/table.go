package candidate

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/dispersy-go/dispersy/clock"
	"github.com/dispersy-go/dispersy/ids"
)

// Table is the global candidate pool, shared by reference across
// every community; each community holds a weak association keyed by
// sock_addr rather than owning its candidates outright.
type Table struct {
	mu         sync.RWMutex
	candidates map[string]*Candidate
}

// NewTable returns an empty candidate pool.
func NewTable() *Table {
	return &Table{candidates: make(map[string]*Candidate)}
}

// GetOrCreate returns the interned Candidate for sockAddr, creating it
// (as non-bootstrap) on first observation.
func (t *Table) GetOrCreate(sockAddr string) *Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.candidates[sockAddr]; ok {
		return c
	}
	c := &Candidate{sockAddr: sockAddr, communities: make(map[ids.CommunityID]*communityState)}
	t.candidates[sockAddr] = c
	return c
}

// AddBootstrap interns sockAddr as a bootstrap candidate if not
// already known.
func (t *Table) AddBootstrap(sockAddr string) *Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.candidates[sockAddr]; ok {
		c.isBootstrap = true
		return c
	}
	c := &Candidate{sockAddr: sockAddr, isBootstrap: true, communities: make(map[ids.CommunityID]*communityState)}
	t.candidates[sockAddr] = c
	return c
}

// Get returns the candidate for sockAddr, if known.
func (t *Table) Get(sockAddr string) (*Candidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.candidates[sockAddr]
	return c, ok
}

// Len returns the number of interned candidates.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.candidates)
}

// snapshot returns every interned candidate at the moment of the call,
// so a sweep tolerates concurrent insertion.
func (t *Table) snapshot() []*Candidate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Values(t.candidates)
}

// ByCategory returns every candidate in community currently classified
// as cat, ordered oldest-activity-first, the order the walker tick
// draws from within a bucket.
func (t *Table) ByCategory(community ids.CommunityID, cat Category, now time.Time) []*Candidate {
	var out []*Candidate
	for _, c := range t.snapshot() {
		if c.CategoryAt(community, now) == cat {
			out = append(out, c)
		}
	}
	sortByLastActivity(out, community)
	return out
}

// Bootstraps returns every interned bootstrap candidate.
func (t *Table) Bootstraps() []*Candidate {
	var out []*Candidate
	for _, c := range t.snapshot() {
		if c.isBootstrap {
			out = append(out, c)
		}
	}
	return out
}

func sortByLastActivity(cs []*Candidate, community ids.CommunityID) {
	// insertion sort: these buckets are small (dozens, not thousands)
	// and this keeps the ordering stable without importing sort for a
	// one-off comparator.
	for i := 1; i < len(cs); i++ {
		j := i
		for j > 0 && lastAny(cs[j-1], community).After(lastAny(cs[j], community)) {
			cs[j-1], cs[j] = cs[j], cs[j-1]
			j--
		}
	}
}

func lastAny(c *Candidate, community ids.CommunityID) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.communities[community]
	if !ok {
		return time.Time{}
	}
	return st.lastAny
}

// Opinions returns the global-time each candidate active in community
// as of now reports, for the acceptable-global-time quorum;
// OpinionSourceFor wraps it as a clock.OpinionSource.
func (t *Table) Opinions(community ids.CommunityID, now time.Time, activeWindow time.Duration) []uint64 {
	var out []uint64
	for _, c := range t.snapshot() {
		if !c.IsAnyActive(community, now, activeWindow) {
			continue
		}
		if gt := c.GlobalTimeOpinion(community); gt > 0 {
			out = append(out, gt)
		}
	}
	return out
}

// communityOpinionSource adapts Table.Opinions to clock.OpinionSource
// for a single (community, active-window) pair.
type communityOpinionSource struct {
	table        *Table
	community    ids.CommunityID
	activeWindow time.Duration
}

func (s communityOpinionSource) Opinions(now time.Time) []uint64 {
	return s.table.Opinions(s.community, now, s.activeWindow)
}

// OpinionSourceFor returns a clock.OpinionSource backed by this table,
// scoped to community, treating a candidate as active if it has shown
// any activity within activeWindow of the query time.
func (t *Table) OpinionSourceFor(community ids.CommunityID, activeWindow time.Duration) clock.OpinionSource {
	return communityOpinionSource{table: t, community: community, activeWindow: activeWindow}
}

// Prune removes every candidate that has become evictable (none in
// every community, past lifetime) as of now.
func (t *Table) Prune(now time.Time, lifetime time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for addr, c := range t.candidates {
		if c.EvictableAt(now, lifetime) {
			delete(t.candidates, addr)
			removed++
		}
	}
	return removed
}
