// Package walker implements the per-community walker: the weighted
// tick that picks a candidate to contact, the introduction/puncture
// three-way exchange that opens NAT pinholes, and the master-member
// download retry loop. Request tracking is a request-ID keyed map
// populated on send and released on response, keyed internally by
// github.com/google/uuid so a reused 2-byte wire identifier can never
// collide with an older in-flight request.
package walker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	luxlog "github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/dispersy-go/dispersy/candidate"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/dispersyerr"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/scheduler"
	"github.com/dispersy-go/dispersy/syncengine"
	"github.com/dispersy-go/dispersy/wire"
)

// ErrNoCandidate is returned by TakeStep when no eligible candidate,
// bootstrap or otherwise, is available to contact. It is a delay, not
// a failure: the next tick retries naturally once a peer is learned.
var ErrNoCandidate error = dispersyerr.NewDelayMessage(dispersyerr.MissingMember, "eligible-candidate")

// RequestID is the 2-byte introduction-request identifier carried on
// the wire.
type RequestID uint16

// bucket weights for the per-tick draw: ~50% walk, the remaining
// ~50% split 50/50 between stumble and intro, and ~0.5% bootstrap
// regardless of the other three.
const (
	weightWalk      = 0.4975
	weightStumble   = 0.24875
	weightIntro     = 0.24875
	weightBootstrap = 0.005
)

// randSource is the subset of *rand.Rand the walker needs, narrowed
// for deterministic tests.
type randSource interface {
	Float64() float64
	Intn(n int) int
}

// pendingIntroduction is one in-flight introduction-request, released
// when its response (or a timeout sweep) resolves it. It is keyed
// internally by a UUID rather than the wire's 2-byte identifier: the
// wire field wraps at 65536, so two unrelated requests can carry the
// same RequestID if enough walks are in flight at once, and the
// internal table must not confuse them.
type pendingIntroduction struct {
	uuid      uuid.UUID
	wireID    RequestID
	candidate *candidate.Candidate
	sentAt    time.Time
}

// requestTable tracks in-flight introduction-requests, following
// poll.Set's add-on-send / release-on-resolve shape, generalized with
// a UUID primary key (github.com/google/uuid) so a reused wire
// identifier never collides with an older, still-pending request; the
// wire index always points at the most recent registration for a
// given RequestID, matching the wire protocol's own assumption that
// only the latest request with a given identifier is still live.
type requestTable struct {
	mu        sync.Mutex
	next      RequestID
	pending   map[uuid.UUID]*pendingIntroduction
	wireIndex map[RequestID]uuid.UUID
}

func newRequestTable() *requestTable {
	return &requestTable{
		pending:   make(map[uuid.UUID]*pendingIntroduction),
		wireIndex: make(map[RequestID]uuid.UUID),
	}
}

func (t *requestTable) register(c *candidate.Candidate, now time.Time) RequestID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	wireID := t.next
	id := uuid.New()
	t.pending[id] = &pendingIntroduction{uuid: id, wireID: wireID, candidate: c, sentAt: now}
	t.wireIndex[wireID] = id
	return wireID
}

// resolve removes and returns the pending request last registered
// under wireID, if any.
func (t *requestTable) resolve(wireID RequestID) (*pendingIntroduction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.wireIndex[wireID]
	if !ok {
		return nil, false
	}
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		delete(t.wireIndex, wireID)
	}
	return p, ok
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// expireOlderThan drops pending requests sent before the cutoff,
// the introduction timeout inferred from the walker period.
func (t *requestTable) expireOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, p := range t.pending {
		if p.sentAt.Before(cutoff) {
			delete(t.pending, id)
			if t.wireIndex[p.wireID] == id {
				delete(t.wireIndex, p.wireID)
			}
			removed++
		}
	}
	return removed
}

// IntroductionResponse is the content of a dispersy-introduction-response;
// the wire serialization lives with the codec, this is the domain
// data the walker derives it from.
type IntroductionResponse struct {
	To         wire.Address
	SourceLAN  wire.Address
	SourceWAN  wire.Address
	NomineeLAN wire.Address
	NomineeWAN wire.Address
	Identifier uint16
}

// PunctureRequest asks Nominee to send a puncture to Walker, opening a
// NAT pinhole between Walker and Nominee.
type PunctureRequest struct {
	Nominee    wire.Address
	WalkerLAN  wire.Address
	WalkerWAN  wire.Address
	Identifier uint16
}

// Puncture is the nominee's reply, sent directly to the original
// requester.
type Puncture struct {
	To         wire.Address
	SourceLAN  wire.Address
	SourceWAN  wire.Address
	Identifier uint16
}

// Option configures a Walker at construction time.
type Option func(*Walker)

// WithRand overrides the walker's random source, for deterministic tests.
func WithRand(r randSource) Option {
	return func(w *Walker) { w.rng = r }
}

// WithLogger overrides the walker's logger.
func WithLogger(l luxlog.Logger) Option {
	return func(w *Walker) { w.log = l }
}

// Walker drives one community's candidate selection and NAT-traversal
// handshake.
type Walker struct {
	mu         sync.Mutex
	community  ids.CommunityID
	candidates *candidate.Table
	sync       *syncengine.Engine
	params     config.Parameters
	rng        randSource
	requests   *requestTable
	log        luxlog.Logger

	lan, wan wire.Address

	nomineeCursor int
}

// New returns a Walker for one community.
func New(community ids.CommunityID, candidates *candidate.Table, syncEngine *syncengine.Engine, params config.Parameters, lan, wan wire.Address, opts ...Option) *Walker {
	w := &Walker{
		community:  community,
		candidates: candidates,
		sync:       syncEngine,
		params:     params,
		requests:   newRequestTable(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		log:        luxlog.NewNoOpLogger(),
		lan:        lan,
		wan:        wan,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// PendingRequests returns the number of introduction-requests awaiting
// a response.
func (w *Walker) PendingRequests() int { return w.requests.len() }

// ExpireRequests drops introduction-requests sent before cutoff,
// the puncture-chain timeout.
func (w *Walker) ExpireRequests(cutoff time.Time) int {
	n := w.requests.expireOlderThan(cutoff)
	if n > 0 {
		w.log.Debug("expired unanswered introduction requests", zap.Int("count", n))
	}
	return n
}

func eligibleFrom(candidates []*candidate.Candidate, community ids.CommunityID, now time.Time, params config.Parameters) []*candidate.Candidate {
	out := make([]*candidate.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Eligible(community, now, params) {
			out = append(out, c)
		}
	}
	return out
}

// selectCandidate picks a bucket by weight, then the oldest eligible
// candidate within it; falls back through the other buckets, and
// finally a shuffled bootstrap list, if the drawn bucket is empty.
func (w *Walker) selectCandidate(now time.Time) *candidate.Candidate {
	order := []candidate.Category{candidate.Walk, candidate.Stumble, candidate.Intro}
	r := w.rng.Float64()
	switch {
	case r < weightBootstrap:
		order = nil
	case r < weightBootstrap+weightWalk:
		order = []candidate.Category{candidate.Walk, candidate.Stumble, candidate.Intro}
	case r < weightBootstrap+weightWalk+weightStumble:
		order = []candidate.Category{candidate.Stumble, candidate.Intro, candidate.Walk}
	default:
		order = []candidate.Category{candidate.Intro, candidate.Stumble, candidate.Walk}
	}

	for _, cat := range order {
		pool := eligibleFrom(w.candidates.ByCategory(w.community, cat, now), w.community, now, w.params)
		if len(pool) > 0 {
			return pool[0]
		}
	}

	bootstraps := eligibleFrom(w.candidates.Bootstraps(), w.community, now, w.params)
	if len(bootstraps) == 0 {
		return nil
	}
	return bootstraps[w.rng.Intn(len(bootstraps))]
}

// TakeStep performs one walker tick: selects a candidate, claims a
// sync tuple for it, and returns the introduction-request to send.
// The caller owns encoding and transport.
func (w *Walker) TakeStep(now time.Time) (*candidate.Candidate, wire.IntroductionRequest, RequestID, error) {
	w.mu.Lock()
	cand := w.selectCandidate(now)
	w.mu.Unlock()
	if cand == nil {
		w.log.Debug("no eligible candidate for this tick")
		return nil, wire.IntroductionRequest{}, 0, ErrNoCandidate
	}

	tuple, err := w.sync.Claim(syncengine.CandidateKey(cand.SockAddr()))
	if err != nil {
		return nil, wire.IntroductionRequest{}, 0, err
	}

	id := w.requests.register(cand, now)
	cand.RecordWalkSent(w.community, now)

	req := wire.IntroductionRequest{
		SourceLAN:  w.lan,
		SourceWAN:  w.wan,
		Flags:      wire.IntroductionFlags{Advice: true, Sync: true},
		Identifier: uint16(id),
		Sync: &wire.SyncPayload{
			TimeLow:    tuple.TimeLow,
			TimeHigh:   tuple.TimeHigh,
			Modulo:     tuple.Modulo,
			Offset:     tuple.Offset,
			Bits:       uint32(tuple.Bloom.Bits()),
			Prefix:     tuple.Bloom.Prefix(),
			BloomBytes: tuple.Bloom.Bytes()[1:],
		},
	}
	return cand, req, id, nil
}

// nextNominee picks the next walk∪stumble candidate in round-robin
// order, excluding requester.
func (w *Walker) nextNominee(requester *candidate.Candidate, now time.Time) *candidate.Candidate {
	pool := append(
		w.candidates.ByCategory(w.community, candidate.Walk, now),
		w.candidates.ByCategory(w.community, candidate.Stumble, now)...,
	)
	var filtered []*candidate.Candidate
	for _, c := range pool {
		if c.SockAddr() != requester.SockAddr() {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	w.mu.Lock()
	idx := w.nomineeCursor % len(filtered)
	w.nomineeCursor++
	w.mu.Unlock()
	return filtered[idx]
}

// HandleIntroductionRequest is the peer side of the exchange: mark
// the requester as stumble,
// nominate a walk∪stumble candidate, and build the
// introduction-response plus the puncture-request that opens a pinhole
// between the requester and the nominee.
func (w *Walker) HandleIntroductionRequest(requesterAddr wire.Address, req wire.IntroductionRequest, now time.Time) (IntroductionResponse, *PunctureRequest, error) {
	requester := w.candidates.GetOrCreate(sockAddrKey(requesterAddr))
	requester.RecordStumble(w.community, now)
	requester.SetAddresses(req.SourceLAN, req.SourceWAN, false)

	resp := IntroductionResponse{
		To:         requesterAddr,
		SourceLAN:  w.lan,
		SourceWAN:  w.wan,
		Identifier: req.Identifier,
	}

	nominee := w.nextNominee(requester, now)
	if nominee == nil {
		return resp, nil, nil
	}

	resp.NomineeLAN = nominee.LANAddress()
	resp.NomineeWAN = nominee.WANAddress()
	nominee.RecordIntro(w.community, now)

	punct := &PunctureRequest{
		Nominee:    nominee.WANAddress(),
		WalkerLAN:  req.SourceLAN,
		WalkerWAN:  req.SourceWAN,
		Identifier: req.Identifier,
	}
	return resp, punct, nil
}

// HandleIntroductionResponse processes the response to a request this
// walker previously sent via TakeStep: the nominated candidate is
// recorded as intro, ready to be walked on a future tick.
func (w *Walker) HandleIntroductionResponse(id RequestID, nomineeLAN, nomineeWAN wire.Address, now time.Time) {
	w.requests.resolve(id)
	if nomineeWAN.IsZero() {
		return
	}
	nominee := w.candidates.GetOrCreate(sockAddrKey(nomineeWAN))
	nominee.SetAddresses(nomineeLAN, nomineeWAN, false)
	nominee.RecordIntro(w.community, now)
}

// HandlePuncture processes an inbound puncture completing the
// three-way exchange, confirming the pinhole to from is open.
func (w *Walker) HandlePuncture(from wire.Address, now time.Time) {
	c := w.candidates.GetOrCreate(sockAddrKey(from))
	c.RecordIntro(w.community, now)
}

// sockAddrKey derives the candidate-table key for a wire address.
func sockAddrKey(a wire.Address) string {
	b := a.Bytes()
	return string(b[:])
}

// ScheduleMasterMemberDownload registers the master-member download
// retry loop on sched: retry with delay growing by
// MasterDownloadBackoff up to MasterDownloadMaxDelay, until hasMaster
// reports the real master member has arrived.
func ScheduleMasterMemberDownload(sched *scheduler.Scheduler, community string, params config.Parameters, pickCandidate func() *candidate.Candidate, requestIdentity func(*candidate.Candidate), hasMaster func() bool) scheduler.TaskID {
	delay := params.MasterDownloadInitialDelay

	step := func(now time.Time) (time.Duration, bool) {
		if hasMaster() {
			return 0, false
		}
		if c := pickCandidate(); c != nil {
			requestIdentity(c)
		}
		delay = time.Duration(float64(delay) * params.MasterDownloadBackoff)
		if delay > params.MasterDownloadMaxDelay {
			delay = params.MasterDownloadMaxDelay
		}
		return delay, true
	}
	return sched.Register(community, params.MasterDownloadInitialDelay, step)
}
