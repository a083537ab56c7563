// Package syncengine implements the anti-entropy claim: on each
// outgoing walk it produces a (time_low, time_high, modulo, offset,
// bloom) tuple identifying which of a peer's syncable messages in
// that window the sender may be missing. The default "largest"
// strategy windows around an exponentially drawn pivot biased toward
// recent time; the alternative "modulo" strategy partitions the whole
// range into equivalence classes.
package syncengine

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dispersy-go/dispersy/bloom"
	"github.com/dispersy-go/dispersy/clock"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/message"
	"github.com/dispersy-go/dispersy/store"
)

// Strategy selects which claim algorithm builds a fresh tuple.
type Strategy int

const (
	Largest Strategy = iota
	Modulo
)

// CandidateKey identifies the peer a SyncCache was last claimed for,
// by sock_addr; candidate table entries format their sock_addr into
// this key, so the candidate package need not be imported here.
type CandidateKey string

// Tuple is the (time_low, time_high, modulo, offset, bloom) claim
// handed to an outgoing introduction-request.
type Tuple struct {
	TimeLow  uint64
	TimeHigh uint64
	Modulo   uint32
	Offset   uint32
	Bloom    *bloom.Filter
}

// cache is the engine's single SyncCache, reused across claims:
// discarded when times_used reaches the reuse cap or
// responses_received == 0 after the first reuse attempt.
type cache struct {
	tuple             Tuple
	timesUsed         int
	responsesReceived int
	candidate         CandidateKey
}

// StoredMessage is one newly persisted packet reported to
// NotifyStored after the database commit.
type StoredMessage struct {
	Meta       *message.MetaMessage
	GlobalTime uint64
	Packet     []byte
	Candidate  CandidateKey
}

// randSource is the subset of *rand.Rand the engine needs, narrowed so
// tests can substitute a deterministic source.
type randSource interface {
	ExpFloat64() float64
	Intn(n int) int
}

// Engine is one community's SyncEngine.
type Engine struct {
	mu        sync.Mutex
	community ids.CommunityID
	store     store.Store
	params    config.Parameters
	clk       *clock.Clock
	sigLen    int
	syncable  func() []int64
	strategy  Strategy
	rng       randSource
	onClaim   func(cached bool)

	cache             *cache
	lastNrSyncPackets int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithStrategy overrides the default Largest strategy.
func WithStrategy(s Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithRand overrides the engine's random source, for deterministic tests.
func WithRand(r randSource) Option { return func(e *Engine) { e.rng = r } }

// WithClaimObserver registers fn to run on every Claim, with cached
// reporting whether the cache path was taken.
func WithClaimObserver(fn func(cached bool)) Option { return func(e *Engine) { e.onClaim = fn } }

// New returns an Engine for community, drawing syncable meta-message
// ids from syncable (ordinarily catalog.Syncable).
func New(storeImpl store.Store, community ids.CommunityID, params config.Parameters, clk *clock.Clock, sigLen int, syncable func() []int64, opts ...Option) *Engine {
	e := &Engine{
		community: community,
		store:     storeImpl,
		params:    params,
		clk:       clk,
		sigLen:    sigLen,
		syncable:  syncable,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) randomPrefix() byte {
	return byte(e.rng.Intn(256))
}

func emptyFilter(errorRate float64, prefix byte) (*bloom.Filter, error) {
	return bloom.New(8, errorRate, prefix)
}

// Claim produces the claim tuple for an outgoing walk to candidate.
// The cache path is taken when the existing cache has received at
// least one response and has been used fewer than
// SyncCacheMaxReuse times.
func (e *Engine) Claim(candidate CandidateKey) (Tuple, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache != nil && e.cache.responsesReceived > 0 && e.cache.timesUsed < e.params.SyncCacheMaxReuse {
		e.cache.timesUsed++
		e.cache.responsesReceived = 0
		e.cache.candidate = candidate
		if e.onClaim != nil {
			e.onClaim(true)
		}
		return e.cache.tuple, nil
	}

	tuple, err := e.buildFresh()
	if err != nil {
		return Tuple{}, err
	}
	e.cache = &cache{tuple: tuple, candidate: candidate}
	if e.onClaim != nil {
		e.onClaim(false)
	}
	return tuple, nil
}

// NotifyStored is the storage-feedback path: messages
// landing inside the current cache's window and modulo class are
// added to its bloom filter, and responses_received is bumped when the
// message's candidate matches the cache's.
func (e *Engine) NotifyStored(msgs []StoredMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache == nil {
		return
	}
	modulo := uint64(e.cache.tuple.Modulo)
	if modulo == 0 {
		modulo = 1
	}
	for _, m := range msgs {
		if m.Meta.Priority <= 32 {
			continue
		}
		if m.GlobalTime < e.cache.tuple.TimeLow || m.GlobalTime > e.cache.tuple.TimeHigh {
			continue
		}
		if (m.GlobalTime+uint64(e.cache.tuple.Offset))%modulo != 0 {
			continue
		}
		e.cache.tuple.Bloom.Add(m.Packet)
		if m.Candidate == e.cache.candidate {
			e.cache.responsesReceived++
		}
	}
}

func (e *Engine) buildFresh() (Tuple, error) {
	syncableIDs := e.syncable()
	acceptable := e.clk.AcceptableGlobalTime()

	if len(syncableIDs) == 0 {
		f, err := emptyFilter(e.params.SyncBloomFilterErrorRate, e.randomPrefix())
		if err != nil {
			return Tuple{}, err
		}
		return Tuple{TimeLow: 1, TimeHigh: acceptable, Modulo: 1, Offset: 0, Bloom: f}, nil
	}

	switch e.strategy {
	case Modulo:
		return e.buildModulo(syncableIDs, acceptable)
	default:
		return e.buildLargest(syncableIDs, acceptable)
	}
}

func (e *Engine) capacity() (int, int) {
	bits := e.params.BloomFilterBits(e.sigLen)
	return bits, bloom.Capacity(bits, e.params.SyncBloomFilterErrorRate)
}

// buildLargest ports dispersy_claim_sync_bloom_filter_largest.
func (e *Engine) buildLargest(syncableIDs []int64, acceptable uint64) (Tuple, error) {
	bits, capacity := e.capacity()

	globalTime := e.clk.Local()
	prevCount := e.lastNrSyncPackets

	var rangeLow, rangeHigh uint64
	var data []store.Record

	pivot := e.drawPivot(globalTime)

	usedPivot := false
	if pivot > 1 && prevCount >= capacity {
		usedPivot = true
		rightRange, rightData, err := e.selectBloomfilterRange(syncableIDs, pivot-1, capacity, true, acceptable)
		if err != nil {
			return Tuple{}, err
		}

		if rightRange.count == capacity {
			leftRange, leftData, err := e.selectBloomfilterRange(syncableIDs, pivot+1, capacity, false, acceptable)
			if err != nil {
				return Tuple{}, err
			}

			leftHigh := leftRange.high
			if leftHigh == 0 {
				leftHigh = globalTime
			}
			rightHigh := rightRange.high
			if rightHigh == 0 {
				rightHigh = globalTime
			}
			leftSpan := saturatingSub(leftHigh, leftRange.low)
			rightSpan := saturatingSub(rightHigh, rightRange.low)

			if leftSpan > rightSpan {
				rangeLow, rangeHigh, data = leftRange.low, leftRange.high, leftData
			} else {
				rangeLow, rangeHigh, data = rightRange.low, rightRange.high, rightData
			}
		} else {
			rangeLow, rangeHigh, data = rightRange.low, rightRange.high, rightData
		}
	}

	if !usedPivot {
		rangeLow, rangeHigh = 1, acceptable
		var fixed bool
		var err error
		data, fixed, err = e.selectAndFix(syncableIDs, 0, capacity, true)
		if err != nil {
			return Tuple{}, err
		}
		if len(data) > 0 && fixed {
			rangeHigh = data[len(data)-1].GlobalTime
			e.lastNrSyncPackets = capacity + 1
		} else {
			e.lastNrSyncPackets = len(data)
		}
	}
	// When the pivot branch is taken, _nrsyncpackets is deliberately left
	// untouched: once a cycle has observed enough packets to trust the
	// pivot path, later cycles keep trusting it without re-counting.
	// Only the non-pivot branch and the modulo strategy's explicit
	// count refresh it.

	if len(data) == 0 {
		f, err := emptyFilter(e.params.SyncBloomFilterErrorRate, e.randomPrefix())
		if err != nil {
			return Tuple{}, err
		}
		return Tuple{TimeLow: 1, TimeHigh: acceptable, Modulo: 1, Offset: 0, Bloom: f}, nil
	}

	if rangeLow > acceptable {
		rangeLow = acceptable
	}
	if rangeHigh > acceptable {
		rangeHigh = acceptable
	}

	f, err := bloom.New(bits, e.params.SyncBloomFilterErrorRate, e.randomPrefix())
	if err != nil {
		return Tuple{}, err
	}
	for _, rec := range data {
		f.Add(rec.Packet)
	}

	return Tuple{TimeLow: rangeLow, TimeHigh: rangeHigh, Modulo: 1, Offset: 0, Bloom: f}, nil
}

// drawPivot ports the pivot draw: pivot = global_time -
// Exponential(mean=global_time/2), clamped into [1, global_time).
func (e *Engine) drawPivot(globalTime uint64) uint64 {
	if globalTime <= 1 {
		return 0
	}
	mean := float64(globalTime) / 2
	x := mean * e.rng.ExpFloat64()
	pivotF := float64(globalTime) - x
	if pivotF < 1 {
		pivotF = float64(e.rng.Intn(int(globalTime)))
	}
	if pivotF >= float64(globalTime) {
		pivotF = float64(globalTime) - 1
	}
	if pivotF < 1 {
		pivotF = 1
	}
	return uint64(pivotF)
}

// buildModulo ports dispersy_claim_sync_bloom_filter_modulo.
func (e *Engine) buildModulo(syncableIDs []int64, acceptable uint64) (Tuple, error) {
	bits, capacity := e.capacity()

	count, err := e.store.CountSyncable(syncableIDs)
	if err != nil {
		return Tuple{}, err
	}
	e.lastNrSyncPackets = count

	modulo := uint32(math.Ceil(float64(count) / float64(capacity)))
	var offset uint32
	if modulo > 1 {
		offset = uint32(e.rng.Intn(int(modulo)))
	} else {
		modulo = 1
		offset = 0
	}

	all, err := e.store.Range(syncableIDs, 1, ^uint64(0))
	if err != nil {
		return Tuple{}, err
	}

	f, err := bloom.New(bits, e.params.SyncBloomFilterErrorRate, e.randomPrefix())
	if err != nil {
		return Tuple{}, err
	}
	for _, rec := range all {
		if (rec.GlobalTime+uint64(offset))%uint64(modulo) == 0 {
			f.Add(rec.Packet)
		}
	}

	return Tuple{TimeLow: 1, TimeHigh: acceptable, Modulo: modulo, Offset: offset, Bloom: f}, nil
}

// selRange is one selected window: its bounds and row count.
type selRange struct {
	low   uint64
	high  uint64
	count int
}

// selectAndFix ports _select_and_fix: selects up to toSelect+1 records
// strictly above (higher=true) or below (higher=false) globalTime,
// then — if that overselected by one — drops every record sharing the
// boundary global_time so a tied group is never split.
func (e *Engine) selectAndFix(syncableIDs []int64, globalTime uint64, toSelect int, higher bool) ([]store.Record, bool, error) {
	var recs []store.Record
	var err error

	if higher {
		recs, err = e.store.Range(syncableIDs, globalTime+1, ^uint64(0))
		if err != nil {
			return nil, false, err
		}
	} else {
		hi := saturatingSub(globalTime, 1)
		recs, err = e.store.Range(syncableIDs, 1, hi)
		if err != nil {
			return nil, false, err
		}
		// descending, nearest globalTime first
		reverseRecords(recs)
	}

	limit := toSelect + 1
	if len(recs) > limit {
		recs = recs[:limit]
	}

	fixed := false
	if len(recs) > toSelect {
		fixed = true
		boundary := recs[len(recs)-1].GlobalTime
		recs = recs[:len(recs)-1]
		for len(recs) > 0 && recs[len(recs)-1].GlobalTime == boundary {
			recs = recs[:len(recs)-1]
		}
	}

	if !higher {
		reverseRecords(recs)
	}
	return recs, fixed, nil
}

// selectBloomfilterRange ports _select_bloomfilter_range: selectAndFix,
// then — if short of toSelect by more than
// SelectBloomfilterTopUpThreshold rows — tops up from the opposite
// direction.
func (e *Engine) selectBloomfilterRange(syncableIDs []int64, globalTime uint64, toSelect int, higher bool, acceptable uint64) (selRange, []store.Record, error) {
	data, fixed, err := e.selectAndFix(syncableIDs, globalTime, toSelect, higher)
	if err != nil {
		return selRange{}, nil, err
	}

	lowerFixed, higherFixed := true, true
	if len(data) < toSelect {
		remaining := toSelect - len(data)
		if remaining > e.params.SelectBloomfilterTopUpThreshold {
			if higher {
				lowerData, lf, err := e.selectAndFix(syncableIDs, globalTime+1, remaining, false)
				if err != nil {
					return selRange{}, nil, err
				}
				data = append(lowerData, data...)
				lowerFixed = lf
			} else {
				higherData, hf, err := e.selectAndFix(syncableIDs, saturatingSub(globalTime, 1), remaining, true)
				if err != nil {
					return selRange{}, nil, err
				}
				data = append(data, higherData...)
				higherFixed = hf
			}
		}
	}

	if len(data) == 0 {
		return selRange{low: 0, high: 0, count: 0}, data, nil
	}

	rng := selRange{low: data[0].GlobalTime, high: data[len(data)-1].GlobalTime, count: len(data)}

	if higher {
		if rng.low > globalTime+1 {
			rng.low = globalTime + 1
		}
		if !fixed {
			rng.high = acceptable
		}
		if !lowerFixed {
			rng.low = 1
		}
	} else {
		if rng.high < saturatingSub(globalTime, 1) {
			rng.high = saturatingSub(globalTime, 1)
		}
		if !fixed {
			rng.low = 1
		}
		if !higherFixed {
			rng.high = acceptable
		}
	}

	return rng, data, nil
}

func reverseRecords(recs []store.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
