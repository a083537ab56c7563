package candidate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/candidate"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/ids"
)

func TestCategoryTransitionsFromNoneToStumble(t *testing.T) {
	tbl := candidate.NewTable()
	c := tbl.GetOrCreate("1.2.3.4:1")
	var cid ids.CommunityID

	now := time.Now()
	require.Equal(t, candidate.None, c.CategoryAt(cid, now))

	c.RecordStumble(cid, now)
	require.Equal(t, candidate.Stumble, c.CategoryAt(cid, now))
}

func TestCategoryFallsBackToNoneAfterWindow(t *testing.T) {
	tbl := candidate.NewTable()
	c := tbl.GetOrCreate("1.2.3.4:1")
	var cid ids.CommunityID

	past := time.Now().Add(-time.Hour)
	c.RecordWalkSent(cid, past)
	require.Equal(t, candidate.None, c.CategoryAt(cid, time.Now()))
}

func TestEligibleRespectsRewalkIntervals(t *testing.T) {
	tbl := candidate.NewTable()
	params := config.DefaultParameters()
	var cid ids.CommunityID
	now := time.Now()

	peer := tbl.GetOrCreate("1.2.3.4:1")
	require.True(t, peer.Eligible(cid, now, params), "never-walked candidate is always eligible")
	peer.RecordWalkSent(cid, now)
	require.False(t, peer.Eligible(cid, now.Add(time.Second), params))
	require.True(t, peer.Eligible(cid, now.Add(params.WalkRewalkInterval), params))

	boot := tbl.AddBootstrap("5.6.7.8:2")
	boot.RecordWalkSent(cid, now)
	require.False(t, boot.Eligible(cid, now.Add(params.WalkRewalkInterval), params), "bootstrap candidates need the longer interval")
	require.True(t, boot.Eligible(cid, now.Add(params.BootstrapRewalkInterval), params))
}

func TestByCategoryOrdersOldestFirst(t *testing.T) {
	tbl := candidate.NewTable()
	var cid ids.CommunityID
	now := time.Now()

	a := tbl.GetOrCreate("a")
	b := tbl.GetOrCreate("b")
	a.RecordStumble(cid, now.Add(-time.Second))
	b.RecordStumble(cid, now)

	ordered := tbl.ByCategory(cid, candidate.Stumble, now)
	require.Len(t, ordered, 2)
	require.Equal(t, "a", ordered[0].SockAddr())
	require.Equal(t, "b", ordered[1].SockAddr())
}

func TestOpinionSourceIgnoresInactiveCandidates(t *testing.T) {
	tbl := candidate.NewTable()
	var cid ids.CommunityID
	now := time.Now()

	active := tbl.GetOrCreate("active")
	active.RecordStumble(cid, now)
	active.RecordGlobalTime(cid, 42)

	stale := tbl.GetOrCreate("stale")
	stale.RecordStumble(cid, now.Add(-time.Hour))
	stale.RecordGlobalTime(cid, 99)

	source := tbl.OpinionSourceFor(cid, time.Minute)
	opinions := source.Opinions(now)
	require.Equal(t, []uint64{42}, opinions)
}

func TestPruneRemovesOnlyFullyEvictedCandidates(t *testing.T) {
	tbl := candidate.NewTable()
	var cid ids.CommunityID
	now := time.Now()

	fresh := tbl.GetOrCreate("fresh")
	fresh.RecordStumble(cid, now)

	stale := tbl.GetOrCreate("stale")
	stale.RecordStumble(cid, now.Add(-time.Hour))

	removed := tbl.Prune(now, time.Minute)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, tbl.Len())
	_, ok := tbl.Get("fresh")
	require.True(t, ok)
}
