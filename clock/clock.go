// Package clock implements the per-community Lamport-like logical
// clock: local_gt, peer-opinion ingestion, and the cached
// acceptable_gt bounding how far a peer can push the community's time
// window forward.
package clock

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dispersy-go/dispersy/config"
)

// maxGlobalTime caps acceptable_gt at 2^63-1; values above overflow
// signed storage backends.
const maxGlobalTime = uint64(1<<63 - 1)

// ErrFrozen is returned by Claim once the clock has been frozen by a
// soft-kill destroy.
var ErrFrozen = errors.New("clock: community is frozen past its destroy global time")

// OpinionSource supplies the set of global-time opinions held by
// currently-active candidates, as returned by
// candidate.Table.OpinionSourceFor. Kept as
// a narrow interface here rather than importing the candidate package,
// which would cycle back into this one.
type OpinionSource interface {
	// Opinions returns the global_time each candidate active as of now
	// reports for this community; zero opinions are excluded.
	Opinions(now time.Time) []uint64
}

// noOpinions is used when a Clock is constructed without a candidate
// table (e.g. in isolated tests of claim/update semantics).
type noOpinions struct{}

func (noOpinions) Opinions(time.Time) []uint64 { return nil }

// Clock is a single community's global time.
type Clock struct {
	mu     sync.Mutex
	params config.Parameters
	source OpinionSource
	nowFn  func() time.Time

	localGT uint64
	gtCap   uint64 // 0 means unfrozen

	acceptableCache  uint64
	acceptableExpiry time.Time
}

// Option configures a Clock at construction time.
type Option func(*Clock)

// WithOpinionSource supplies the candidate table backing
// AcceptableGlobalTime's quorum.
func WithOpinionSource(s OpinionSource) Option {
	return func(c *Clock) { c.source = s }
}

// WithNow overrides time.Now, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.nowFn = now }
}

// New returns a Clock starting at local_gt = 0.
func New(params config.Parameters, opts ...Option) *Clock {
	c := &Clock{
		params: params,
		source: noOpinions{},
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim advances local_gt by one and returns the new value. Every
// outgoing sync-distributed message consumes one claim. It fails with
// ErrFrozen if the clock has been frozen at a lower global time by a
// soft-kill.
func (c *Clock) Claim() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.localGT + 1
	if c.gtCap != 0 && next > c.gtCap {
		return 0, ErrFrozen
	}
	c.localGT = next
	return c.localGT, nil
}

// Update ingests a peer-observed global time: local_gt := max(local_gt, gt).
func (c *Clock) Update(gt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gt > c.localGT {
		c.localGT = gt
	}
}

// Local returns the current local_gt.
func (c *Clock) Local() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localGT
}

// Freeze caps the clock at gt on a soft-kill destroy. Claim fails
// once it would exceed gt; Update and reads are unaffected,
// since peers may still legitimately report time above the freeze
// point and the freeze only bounds what *this* community will claim.
func (c *Clock) Freeze(gt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gtCap = gt
}

// FreezeCap returns the current freeze point, or 0 if unfrozen.
func (c *Clock) FreezeCap() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gtCap
}

// AcceptableGlobalTime returns the highest global time this community
// will currently accept from peers: cached for
// AcceptableGlobalTimeCacheTTL; when at least
// AcceptableGlobalTimeQuorum candidate opinions are available, uses
// their floor-median, else falls back to local_gt alone.
func (c *Clock) AcceptableGlobalTime() uint64 {
	now := c.nowFn()

	c.mu.Lock()
	if now.Before(c.acceptableExpiry) {
		v := c.acceptableCache
		c.mu.Unlock()
		return v
	}
	localGT := c.localGT
	c.mu.Unlock()

	opinions := c.source.Opinions(now)
	positive := make([]uint64, 0, len(opinions))
	for _, o := range opinions {
		if o > 0 {
			positive = append(positive, o)
		}
	}
	sort.Slice(positive, func(i, j int) bool { return positive[i] < positive[j] })

	var median uint64
	if len(positive) >= c.params.AcceptableGlobalTimeQuorum {
		median = positive[len(positive)/2]
	}

	base := localGT
	if median > base {
		base = median
	}
	acceptable := base + c.params.AcceptableGlobalTimeRange
	if acceptable > maxGlobalTime {
		acceptable = maxGlobalTime
	}

	c.mu.Lock()
	c.acceptableCache = acceptable
	c.acceptableExpiry = now.Add(c.params.AcceptableGlobalTimeCacheTTL)
	c.mu.Unlock()

	return acceptable
}
