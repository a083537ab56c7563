// Package community ties every other package together into the
// community lifecycle: create, join, load, and destroy (soft-kill as
// a freeze, hard-kill as a minimal destroy-only handler). Each
// subsystem is constructed once here and handed narrow interfaces to
// its collaborators; this is the one place every package in this
// module is imported together.
package community

import (
	"errors"
	"sync"
	"time"

	luxlog "github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dispersy-go/dispersy/candidate"
	"github.com/dispersy-go/dispersy/clock"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/dispersyerr"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/member"
	"github.com/dispersy-go/dispersy/message"
	"github.com/dispersy-go/dispersy/metrics"
	"github.com/dispersy-go/dispersy/scheduler"
	"github.com/dispersy-go/dispersy/store"
	"github.com/dispersy-go/dispersy/syncengine"
	"github.com/dispersy-go/dispersy/timeline"
	"github.com/dispersy-go/dispersy/walker"
	"github.com/dispersy-go/dispersy/wire"
)

// sigLen is the default signature length budgeted into the bloom
// filter's bit count.
const sigLen = 60

// dispersyVersion and communityVersion seed the 22-byte community
// prefix; fixed at 1 since this module implements a
// single protocol and community revision.
const (
	dispersyVersion  = 1
	communityVersion = 1
)

// timelineBatchWindow debounces the handlers of the three
// timeline-affecting message kinds, so a burst of permission changes
// arriving from one sync response is processed as a single batch.
const timelineBatchWindow = 10 * time.Second

// ErrAlreadyDestroyed is returned by operations that require a live
// community once a destroy packet has been applied.
var ErrAlreadyDestroyed = errors.New("community: already destroyed")

// ErrUnknownMaster is returned by Join when no master member, not
// even a dummy carrying just the mid, is supplied.
var ErrUnknownMaster = errors.New("community: master member is unknown")

// Community is one loaded dispersy community: the owner of its
// Timeline, SyncCache (via SyncEngine), CandidateTable reference, and
// MessageCatalog.
type Community struct {
	mu sync.Mutex

	cid            ids.CommunityID
	databaseID     int64
	classification string

	master *member.Member
	my     *member.Member

	catalog    *message.Catalog
	timeline   *timeline.Timeline
	clock      *clock.Clock
	candidates *candidate.Table
	store      store.Store
	sync       *syncengine.Engine
	walker     *walker.Walker
	scheduler  *scheduler.Scheduler
	waiters    *dispersyerr.Waiters
	params     config.Parameters
	log        luxlog.Logger
	metrics    *metrics.Set

	metaIdentity        *message.MetaMessage
	metaAuthorize       *message.MetaMessage
	metaRevoke          *message.MetaMessage
	metaDynamicSettings *message.MetaMessage
	metaDestroy         *message.MetaMessage

	destroyDegree  wire.DestroyDegree
	destroyGT      uint64
	destroyPacket  []byte
	masterComplete bool
}

// Prefix returns the 22-byte community-version prefix every packet
// for this community carries.
func (c *Community) Prefix() [22]byte {
	return message.CommunityPrefix(dispersyVersion, communityVersion, c.cid)
}

// CID returns the community's identifier.
func (c *Community) CID() ids.CommunityID { return c.cid }

// Catalog returns the community's MessageCatalog.
func (c *Community) Catalog() *message.Catalog { return c.catalog }

// Timeline returns the community's permission Timeline.
func (c *Community) Timeline() *timeline.Timeline { return c.timeline }

// Clock returns the community's GlobalTime.
func (c *Community) Clock() *clock.Clock { return c.clock }

// Walker returns the community's candidate walker.
func (c *Community) Walker() *walker.Walker { return c.walker }

// SetLogger overrides the community's logger.
func (c *Community) SetLogger(l luxlog.Logger) { c.log = l }

// EnableMetrics registers a metrics.Set for this community under reg,
// namespaced by the community id's hex string. Call once per
// Community; a second call would hit prometheus's duplicate-
// registration error, exactly like metrics.NewAverager.
func (c *Community) EnableMetrics(reg prometheus.Registerer) error {
	set, err := metrics.NewSet(c.cid.String(), reg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics = set
	c.mu.Unlock()
	return nil
}

// Candidates returns the shared global candidate pool; candidates are
// shared by reference, not owned outright.
func (c *Community) Candidates() *candidate.Table { return c.candidates }

func (c *Community) metricsSet() *metrics.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// TakeStep runs one walker tick for this community, reaps expired
// delayed packets, and updates the community's counters.
func (c *Community) TakeStep(now time.Time) (*candidate.Candidate, wire.IntroductionRequest, walker.RequestID, error) {
	c.waiters.Expire(now)
	cand, req, id, err := c.walker.TakeStep(now)
	if m := c.metricsSet(); m != nil {
		m.WalkerTicks.Inc()
		if err == nil {
			m.ClaimedGlobalTime.Set(float64(c.clock.Local()))
		}
		for _, cat := range []candidate.Category{candidate.Walk, candidate.Stumble, candidate.Intro} {
			n := len(c.candidates.ByCategory(c.cid, cat, now))
			m.CandidatesByCat.WithLabelValues(cat.String()).Set(float64(n))
		}
	}
	return cand, req, id, err
}

func registerFrameworkMessages(catalog *message.Catalog) (identity, authorize, revoke, dynamicSettings, destroy *message.MetaMessage, err error) {
	identity = &message.MetaMessage{
		Name: message.NameIdentity, DatabaseID: 1,
		Authentication: message.Authentication{MinSigners: 1},
		Resolution:     message.Public,
		Distribution:   message.LastSync,
		Destination:    message.CommunityDestination,
		Priority:       100,
	}
	authorize = &message.MetaMessage{
		Name: message.NameAuthorize, DatabaseID: 2,
		Authentication: message.Authentication{MinSigners: 1},
		Resolution:     message.Linear,
		Distribution:   message.FullSync,
		Destination:    message.CommunityDestination,
		Priority:       128,
		BatchMaxWindow: timelineBatchWindow,
	}
	revoke = &message.MetaMessage{
		Name: message.NameRevoke, DatabaseID: 3,
		Authentication: message.Authentication{MinSigners: 1},
		Resolution:     message.Linear,
		Distribution:   message.FullSync,
		Destination:    message.CommunityDestination,
		Priority:       128,
		BatchMaxWindow: timelineBatchWindow,
	}
	dynamicSettings = &message.MetaMessage{
		Name: message.NameDynamicSettings, DatabaseID: 4,
		Authentication: message.Authentication{MinSigners: 1},
		Resolution:     message.Linear,
		Distribution:   message.FullSync,
		Destination:    message.CommunityDestination,
		Priority:       128,
		BatchMaxWindow: timelineBatchWindow,
	}
	destroy = &message.MetaMessage{
		Name: message.NameDestroyCommunity, DatabaseID: 5,
		Authentication: message.Authentication{MinSigners: 1},
		Resolution:     message.Linear,
		Distribution:   message.FullSync,
		Destination:    message.CommunityDestination,
		Priority:       200,
	}

	for _, m := range []*message.MetaMessage{identity, authorize, revoke, dynamicSettings, destroy} {
		if regErr := catalog.RegisterFramework(m, nil); regErr != nil {
			return nil, nil, nil, nil, nil, regErr
		}
	}
	return identity, authorize, revoke, dynamicSettings, destroy, nil
}

// newCommunity assembles the shared plumbing used by Create, Join, and
// Load: catalog, timeline, clock, sync engine, and walker, all wired
// to candidates and st.
func newCommunity(cid ids.CommunityID, classification string, master, my *member.Member, candidates *candidate.Table, st store.Store, sched *scheduler.Scheduler, params config.Parameters, lan, wan wire.Address) (*Community, error) {
	catalog := message.NewCatalog()
	catalog.BindScheduler(sched, string(cid[:]))
	identity, authorize, revoke, dynamicSettings, destroy, err := registerFrameworkMessages(catalog)
	if err != nil {
		return nil, err
	}

	c := &Community{
		cid:                 cid,
		classification:      classification,
		master:              master,
		my:                  my,
		catalog:             catalog,
		timeline:            timeline.New(master.MID()),
		candidates:          candidates,
		store:               st,
		scheduler:           sched,
		waiters:             dispersyerr.NewWaiters(),
		params:              params,
		metaIdentity:        identity,
		metaAuthorize:       authorize,
		metaRevoke:          revoke,
		metaDynamicSettings: dynamicSettings,
		metaDestroy:         destroy,
		masterComplete:      !master.IsDummy(),
		log:                 luxlog.NewNoOpLogger(),
	}

	c.clock = clock.New(params, clock.WithOpinionSource(candidates.OpinionSourceFor(cid, params.WalkLifetime)))
	c.sync = syncengine.New(st, cid, params, c.clock, sigLen, catalog.Syncable,
		syncengine.WithClaimObserver(func(cached bool) {
			m := c.metricsSet()
			if m == nil {
				return
			}
			if cached {
				m.CacheHits.Inc()
			} else {
				m.CacheRebuilds.Inc()
			}
		}))
	c.walker = walker.New(cid, candidates, c.sync, params, lan, wan)
	return c, nil
}

// allNonPublicMetas returns every registered meta-message that is not
// Public-resolution or carries an undo callback: the set Create
// authorizes the creator for.
func (c *Community) allNonPublicMetas() []*message.MetaMessage {
	var out []*message.MetaMessage
	for _, m := range c.catalog.All() {
		if m.Resolution != message.Public || m.UndoCallback != nil {
			out = append(out, m)
		}
	}
	return out
}

// Create generates a new community: it publishes the master member's
// dispersy-identity at gt=1, the creator's own at gt=2, and bootstrap-
// authorizes the creator for every non-public (or undo-enabled)
// message. The master keypair itself is assumed already generated by
// the caller.
func Create(cid ids.CommunityID, classification string, master, my *member.Member, candidates *candidate.Table, st store.Store, sched *scheduler.Scheduler, params config.Parameters, lan, wan wire.Address) (*Community, error) {
	c, err := newCommunity(cid, classification, master, my, candidates, st, sched, params, lan, wan)
	if err != nil {
		return nil, err
	}

	gt1, err := c.clock.Claim()
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Insert(store.Record{Community: cid, MetaMessageID: c.metaIdentity.DatabaseID, GlobalTime: gt1, Member: master.MID()}); err != nil {
		return nil, err
	}

	gt2, err := c.clock.Claim()
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Insert(store.Record{Community: cid, MetaMessageID: c.metaIdentity.DatabaseID, GlobalTime: gt2, Member: my.MID()}); err != nil {
		return nil, err
	}

	var triplets []timeline.Triplet
	for _, m := range c.allNonPublicMetas() {
		for _, perm := range []timeline.Permission{timeline.Permit, timeline.Authorize, timeline.Revoke, timeline.Undo} {
			triplets = append(triplets, timeline.Triplet{Member: my, Meta: m, Permission: perm})
		}
	}
	if err := c.timeline.Authorize(master, triplets, gt2, nil); err != nil {
		return nil, err
	}

	return c, nil
}

// Join attaches to an existing community given a (possibly dummy)
// master member: it publishes the joiner's own dispersy-identity.
// master may still be a DummyMember; ScheduleMasterMemberDownload should be
// called separately to resolve it.
func Join(cid ids.CommunityID, classification string, master, my *member.Member, candidates *candidate.Table, st store.Store, sched *scheduler.Scheduler, params config.Parameters, lan, wan wire.Address) (*Community, error) {
	if master == nil || master.MID().IsEmpty() {
		return nil, ErrUnknownMaster
	}
	c, err := newCommunity(cid, classification, master, my, candidates, st, sched, params, lan, wan)
	if err != nil {
		return nil, err
	}

	gt, err := c.clock.Claim()
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Insert(store.Record{Community: cid, MetaMessageID: c.metaIdentity.DatabaseID, GlobalTime: gt, Member: my.MID()}); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reconstructs a previously-created or -joined community from its
// persisted rows: it replays every stored authorize/revoke/dynamic-
// settings packet into the Timeline and seeds global_time from the
// highest stored row.
func Load(cid ids.CommunityID, classification string, master, my *member.Member, candidates *candidate.Table, st store.Store, sched *scheduler.Scheduler, params config.Parameters, lan, wan wire.Address, packets []timeline.ReplayPacket) (*Community, error) {
	c, err := newCommunity(cid, classification, master, my, candidates, st, sched, params, lan, wan)
	if err != nil {
		return nil, err
	}

	if errs := c.timeline.Replay(packets, true); len(errs) > 0 {
		// a bad packet is non-fatal, the rest of the log still replays.
		c.log.Warn("dropped packets during timeline replay",
			zap.Stringer("cid", cid),
			zap.Int("count", len(errs)),
		)
		if m := c.metricsSet(); m != nil {
			m.TimelineDropped.Add(float64(len(errs)))
			m.TimelineApplied.Add(float64(len(packets) - len(errs)))
		}
	} else if m := c.metricsSet(); m != nil {
		m.TimelineApplied.Add(float64(len(packets)))
	}

	maxGT, err := c.store.MaxGlobalTime(cid)
	if err != nil {
		return nil, err
	}
	c.clock.Update(maxGT)

	return c, nil
}

// ScheduleMasterMemberDownload registers the master-member download
// retry loop for a community Joined with only a dummy master.
// pickCandidate and requestIdentity are left to the caller
// since they require the transport/codec this module does not own.
func (c *Community) ScheduleMasterMemberDownload(pickCandidate func() *candidate.Candidate, requestIdentity func(*candidate.Candidate)) scheduler.TaskID {
	return walker.ScheduleMasterMemberDownload(c.scheduler, string(c.cid[:]), c.params, pickCandidate, requestIdentity, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.masterComplete
	})
}

// CompleteMasterMember upgrades the master member once its public key
// has arrived, ending the download retry loop on its next tick and
// releasing every packet parked on the master's identity.
func (c *Community) CompleteMasterMember(publicKey []byte) error {
	if err := c.master.Upgrade(publicKey, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.masterComplete = true
	c.mu.Unlock()
	c.ResolveMissingMember(c.master.MID())
	return nil
}

// DelayForMissingMember parks release until the member identified by
// mid becomes known, coalescing with any packet already waiting on the
// same member, and returns the typed delay error the caller surfaces
// toward statistics. Parked packets are reaped on the walker tick once
// DelayPacketTimeout passes without the member arriving.
func (c *Community) DelayForMissingMember(mid ids.MemberID, release func()) error {
	c.waiters.Register(dispersyerr.MissingMember, mid.String(), c.params.DelayPacketTimeout, release)
	return dispersyerr.NewDelayPacket(dispersyerr.MissingMember, mid.String())
}

// ResolveMissingMember releases every packet parked on mid, called
// when the member's dispersy-identity arrives. It returns the number
// of packets released.
func (c *Community) ResolveMissingMember(mid ids.MemberID) int {
	return c.waiters.Resolve(dispersyerr.MissingMember, mid.String())
}

// IsDestroyed reports whether a destroy packet (soft or hard) has
// been applied to this community.
func (c *Community) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyDegree != ""
}

// HardKilled reports whether this community has been reclassified to
// the minimal hard-kill handler.
func (c *Community) HardKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyDegree == wire.HardKill
}

// Destroy applies a dispersy-destroy-community packet at a freshly
// claimed global time: soft-kill freezes the clock at that point;
// cleanup beyond the freeze is left to per-community overrides.
// Hard-kill additionally reclassifies the community so
// HandleIntroductionRequest answers with only the destroy packet from
// then on.
func (c *Community) Destroy(degree wire.DestroyDegree, packet []byte) (uint64, error) {
	c.mu.Lock()
	if c.destroyDegree != "" {
		c.mu.Unlock()
		return 0, ErrAlreadyDestroyed
	}
	c.mu.Unlock()

	gt, err := c.clock.Claim()
	if err != nil {
		return 0, err
	}
	if _, err := c.store.Insert(store.Record{Community: c.cid, MetaMessageID: c.metaDestroy.DatabaseID, GlobalTime: gt, Member: c.my.MID(), Packet: packet}); err != nil {
		return 0, err
	}
	c.clock.Freeze(gt)

	c.mu.Lock()
	c.destroyDegree = degree
	c.destroyGT = gt
	c.destroyPacket = packet
	c.mu.Unlock()
	c.log.Info("community destroyed",
		zap.Stringer("cid", c.cid),
		zap.String("degree", string(degree)),
		zap.Uint64("globalTime", gt),
	)
	return gt, nil
}

// HandleIntroductionRequest is the community-aware entry point for an
// inbound introduction-request: once hard-killed, it short-circuits to
// returning only the destroy packet, processing and emitting nothing
// else; otherwise it delegates to the Walker's
// normal three-way handshake.
func (c *Community) HandleIntroductionRequest(requesterAddr wire.Address, req wire.IntroductionRequest, now time.Time) (resp walker.IntroductionResponse, punct *walker.PunctureRequest, destroyPacket []byte, err error) {
	c.mu.Lock()
	hard := c.destroyDegree == wire.HardKill
	packet := c.destroyPacket
	c.mu.Unlock()

	if hard {
		return walker.IntroductionResponse{To: requesterAddr, Identifier: req.Identifier}, nil, packet, nil
	}

	resp, punct, err = c.walker.HandleIntroductionRequest(requesterAddr, req, now)
	if m := c.metricsSet(); m != nil {
		if err != nil {
			m.PacketsDropped.WithLabelValues("introduction_request").Inc()
		} else {
			m.Introductions.Inc()
			if punct != nil {
				m.Punctures.Inc()
			}
		}
	}
	return resp, punct, nil, err
}
