package syncengine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/clock"
	"github.com/dispersy-go/dispersy/config"
	"github.com/dispersy-go/dispersy/ids"
	"github.com/dispersy-go/dispersy/message"
	"github.com/dispersy-go/dispersy/store"
	"github.com/dispersy-go/dispersy/syncengine"
)

// fixedRand is a deterministic randSource: ExpFloat64 always returns a
// fixed value and Intn always returns 0, so pivot draws and modulo
// offsets are reproducible across runs.
type fixedRand struct {
	exp float64
}

func (f fixedRand) ExpFloat64() float64 { return f.exp }
func (f fixedRand) Intn(n int) int      { return 0 }

func newEngine(t *testing.T, s store.Store, syncableIDs []int64, opts ...syncengine.Option) (*syncengine.Engine, *clock.Clock) {
	t.Helper()
	params := config.DefaultParameters()
	params.MTU = 300 // shrink bloom filter capacity so tests don't need thousands of rows
	clk := clock.New(params)

	allOpts := append([]syncengine.Option{syncengine.WithRand(fixedRand{exp: 1})}, opts...)
	e := syncengine.New(s, ids.CommunityID{}, params, clk, 60, func() []int64 { return syncableIDs }, allOpts...)
	return e, clk
}

func TestClaimWithNoSyncableMessagesReturnsEmptyFilter(t *testing.T) {
	s := store.NewMemoryStore()
	e, _ := newEngine(t, s, nil)

	tuple, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), tuple.TimeLow)
	require.Equal(t, uint32(1), tuple.Modulo)
	require.Equal(t, uint32(0), tuple.Offset)
}

func TestClaimSelectsOldestWhenNoPivotHistory(t *testing.T) {
	s := store.NewMemoryStore()
	for gt := uint64(1); gt <= 5; gt++ {
		_, err := s.Insert(store.Record{MetaMessageID: 1, GlobalTime: gt, Packet: []byte{byte(gt)}})
		require.NoError(t, err)
	}
	e, clk := newEngine(t, s, []int64{1})
	clk.Update(5)

	tuple, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.GreaterOrEqual(t, tuple.TimeLow, uint64(1))
	require.True(t, tuple.Bloom.Contains([]byte{1}), "oldest packet must be present in a fresh filter seeded from gt=0 upward")
}

// TestSyncCacheReuseScenario: a first
// claim yields a cache with times_used=0; once the peer's response is
// reported via NotifyStored, the next claim for the same engine
// returns the identical tuple with times_used incremented, and the new
// packet now tests positive in the reused bloom filter.
func TestSyncCacheReuseScenario(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Insert(store.Record{MetaMessageID: 1, GlobalTime: 1, Packet: []byte("seed")})
	require.NoError(t, err)

	e, clk := newEngine(t, s, []int64{1})
	clk.Update(1)

	first, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.False(t, first.Bloom.Contains([]byte("new-packet")))

	meta := &message.MetaMessage{Name: "text", DatabaseID: 1, Distribution: message.FullSync, Priority: 128}
	e.NotifyStored([]syncengine.StoredMessage{
		{Meta: meta, GlobalTime: 1, Packet: []byte("new-packet"), Candidate: "peer-a"},
	})

	second, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.Equal(t, first.TimeLow, second.TimeLow)
	require.Equal(t, first.TimeHigh, second.TimeHigh)
	require.True(t, second.Bloom.Contains([]byte("new-packet")), "packet reported via NotifyStored must now test positive")
}

func TestCacheDiscardedWhenNoResponseReceived(t *testing.T) {
	s := store.NewMemoryStore()
	_, _ = s.Insert(store.Record{MetaMessageID: 1, GlobalTime: 1, Packet: []byte("seed")})

	e, clk := newEngine(t, s, []int64{1})
	clk.Update(1)

	first, err := e.Claim("peer-a")
	require.NoError(t, err)

	second, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.Equal(t, first.TimeLow, second.TimeLow, "without a response, a fresh tuple covering the same data looks the same but was rebuilt, not reused")
	require.NotSame(t, first.Bloom, second.Bloom, "a discarded cache yields a freshly built bloom filter")
}

func TestModuloStrategyPartitionsByOffset(t *testing.T) {
	s := store.NewMemoryStore()
	for gt := uint64(1); gt <= 20; gt++ {
		_, err := s.Insert(store.Record{MetaMessageID: 1, GlobalTime: gt, Packet: []byte{byte(gt)}})
		require.NoError(t, err)
	}
	e, clk := newEngine(t, s, []int64{1}, syncengine.WithStrategy(syncengine.Modulo))
	clk.Update(20)

	tuple, err := e.Claim("peer-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), tuple.TimeLow)
	require.GreaterOrEqual(t, tuple.Modulo, uint32(1))
}
