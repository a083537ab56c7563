// Package metrics wires dispersy's counters and gauges into a
// prometheus.Registerer handed in at construction time, rather than a
// package-level global registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every counter/gauge the core emits. One Set exists per
// Community.
type Set struct {
	PacketsDropped    *prometheus.CounterVec // label: reason
	CacheHits         prometheus.Counter
	CacheRebuilds     prometheus.Counter
	WalkerTicks       prometheus.Counter
	Introductions     prometheus.Counter
	Punctures         prometheus.Counter
	TimelineApplied   prometheus.Counter
	TimelineDropped   prometheus.Counter
	CandidatesByCat   *prometheus.GaugeVec // label: category
	ClaimedGlobalTime prometheus.Gauge
}

// NewSet registers a fresh metrics.Set under reg, namespaced by
// community (the cid hex string, or any stable label). Returns an
// error immediately on any registration collision, exactly like
// metrics.NewAverager.
func NewSet(community string, reg prometheus.Registerer) (*Set, error) {
	constLabels := prometheus.Labels{"community": community}

	s := &Set{
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dispersy_packets_dropped_total",
			Help:        "Packets dropped, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_sync_cache_hits_total",
			Help:        "Walker ticks that reused an existing SyncCache.",
			ConstLabels: constLabels,
		}),
		CacheRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_sync_cache_rebuilds_total",
			Help:        "Walker ticks that built a fresh bloom filter.",
			ConstLabels: constLabels,
		}),
		WalkerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_walker_ticks_total",
			Help:        "Walker take_step invocations.",
			ConstLabels: constLabels,
		}),
		Introductions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_introductions_total",
			Help:        "Inbound introduction-requests handled.",
			ConstLabels: constLabels,
		}),
		Punctures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_punctures_total",
			Help:        "Puncture-requests produced while handling introduction-requests.",
			ConstLabels: constLabels,
		}),
		TimelineApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_timeline_entries_applied_total",
			Help:        "Authorize/revoke/dynamic-settings packets replayed successfully.",
			ConstLabels: constLabels,
		}),
		TimelineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispersy_timeline_entries_dropped_total",
			Help:        "Authorize/revoke/dynamic-settings packets dropped during replay.",
			ConstLabels: constLabels,
		}),
		CandidatesByCat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dispersy_candidates",
			Help:        "Candidates currently in each category.",
			ConstLabels: constLabels,
		}, []string{"category"}),
		ClaimedGlobalTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dispersy_global_time",
			Help:        "Highest global time claimed locally.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		s.PacketsDropped, s.CacheHits, s.CacheRebuilds, s.WalkerTicks,
		s.Introductions, s.Punctures, s.TimelineApplied, s.TimelineDropped,
		s.CandidatesByCat, s.ClaimedGlobalTime,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}
