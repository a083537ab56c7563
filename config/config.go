// Package config holds the tunable constants behind dispersy's
// anti-entropy engine, candidate walker, and timeline, so none of the
// protocol's numbers are scattered as magic constants.
package config

import "time"

// Parameters bundles every protocol tunable.
type Parameters struct {
	// AcceptableGlobalTimeRange is the clamp added on top of the
	// quorum median (or local_gt) to derive acceptable_gt.
	AcceptableGlobalTimeRange uint64

	// AcceptableGlobalTimeCacheTTL is how long acceptable_gt is cached
	// before being recomputed from current candidate opinions.
	AcceptableGlobalTimeCacheTTL time.Duration

	// AcceptableGlobalTimeQuorum is the minimum number of candidate
	// opinions required before trusting their median.
	AcceptableGlobalTimeQuorum int

	// WalkRewalkInterval is the minimum interval between two walks of
	// a non-bootstrap candidate.
	WalkRewalkInterval time.Duration

	// BootstrapRewalkInterval is the minimum interval between two
	// walks of a bootstrap candidate.
	BootstrapRewalkInterval time.Duration

	// CategoryWalkWindow is the walk/stumble/intro category window.
	// The candidate package does not read this field: it classifies
	// candidates with its own fixed 30s window, so changing this value
	// does not change how long a candidate stays in its category.
	CategoryWalkWindow time.Duration

	// WalkLifetime is the activity window within which a candidate's
	// global-time opinion counts toward the acceptable-global-time
	// quorum.
	WalkLifetime time.Duration

	// MTU is the link MTU the sync bloom filter must fit under along
	// with the rest of an introduction-request.
	MTU int

	// SyncBloomFilterErrorRate is the default Bloom filter false
	// positive rate.
	SyncBloomFilterErrorRate float64

	// SyncCacheMaxReuse is the cap on SyncCache.TimesUsed before the
	// cache is discarded regardless of response activity.
	SyncCacheMaxReuse int

	// SelectBloomfilterTopUpThreshold is the shortfall (in rows) that
	// must be exceeded before _select_bloomfilter_range tops up from
	// the other side of the pivot.
	SelectBloomfilterTopUpThreshold int

	// MasterDownloadInitialDelay / MasterDownloadMaxDelay govern the
	// master-member download backoff: delay grows by the backoff
	// factor each retry, capped at the max.
	MasterDownloadInitialDelay time.Duration
	MasterDownloadMaxDelay     time.Duration
	MasterDownloadBackoff      float64

	// SignatureRequestTimeout is the default signature-request timeout.
	SignatureRequestTimeout time.Duration

	// DelayPacketTimeout is the TTL on packets parked on a missing
	// dependency (member, proof, sequence, message) before being
	// reaped unreleased.
	DelayPacketTimeout time.Duration

	// IntroductionTimeout bounds a puncture-request chain.
	IntroductionTimeout time.Duration

	// WalkerTickInterval is the default sync interval driving the
	// walker's cooperative scheduling loop.
	WalkerTickInterval time.Duration

	// SyncResponseLimit preserves dispersy_sync_response_limit's exact
	// historical value verbatim: 5*1025, not 5*1024. This is a
	// preserved quirk, not a typo.
	SyncResponseLimit int
}

// DefaultParameters returns the protocol's default parameter set.
func DefaultParameters() Parameters {
	return Parameters{
		AcceptableGlobalTimeRange:       10_000,
		AcceptableGlobalTimeCacheTTL:    5 * time.Second,
		AcceptableGlobalTimeQuorum:      6,
		WalkRewalkInterval:              30 * time.Second,
		BootstrapRewalkInterval:         55 * time.Second,
		CategoryWalkWindow:              30 * time.Second,
		WalkLifetime:                    57*time.Second + 500*time.Millisecond,
		MTU:                             1500,
		SyncBloomFilterErrorRate:        0.01,
		SyncCacheMaxReuse:               100,
		SelectBloomfilterTopUpThreshold: 25,
		MasterDownloadInitialDelay:      2 * time.Second,
		MasterDownloadMaxDelay:          300 * time.Second,
		MasterDownloadBackoff:           1.1,
		SignatureRequestTimeout:         10 * time.Second,
		DelayPacketTimeout:              10 * time.Second,
		IntroductionTimeout:             5 * time.Second,
		WalkerTickInterval:              20 * time.Second,
		SyncResponseLimit:               5 * 1025,
	}
}

// BloomFilterBits computes the Bloom filter bit count so a sync tuple
// plus bloom filter fits in a single introduction-request datagram:
// bits = (MTU - 60 - 8 - 51 - sigLen - 21 - 30) * 8, where the
// 51 is the dispersy wire header and 30 covers the fixed sync-tuple
// fields (time_low:8, time_high:8, modulo:4, offset:4, function:1,
// bits:4, prefix:1).
func (p Parameters) BloomFilterBits(sigLen int) int {
	headroom := p.MTU - 60 - 8 - 51 - sigLen - 21 - 30
	if headroom < 8 {
		headroom = 8
	}
	bits := headroom * 8
	return bits - bits%8
}
