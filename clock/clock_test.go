package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/clock"
	"github.com/dispersy-go/dispersy/config"
)

func TestClaimMonotonicity(t *testing.T) {
	c := clock.New(config.DefaultParameters())

	for i, want := range []uint64{1, 2, 3, 4} {
		got, err := c.Claim()
		require.NoError(t, err)
		require.Equal(t, want, got, "claim #%d", i)
	}

	c.Update(100)
	got, err := c.Claim()
	require.NoError(t, err)
	require.Equal(t, uint64(101), got)
}

type fixedOpinions []uint64

func (f fixedOpinions) Opinions(time.Time) []uint64 { return f }

func TestAcceptableGlobalTimeQuorum(t *testing.T) {
	params := config.DefaultParameters()

	// Six candidates report {10,20,30,40,50,60}; local_gt = 5.
	c := clock.New(params, clock.WithOpinionSource(fixedOpinions{60, 10, 50, 20, 40, 30}))
	c.Update(5)
	require.Equal(t, uint64(10_040), c.AcceptableGlobalTime())
}

func TestAcceptableGlobalTimeIgnoresSmallQuorum(t *testing.T) {
	params := config.DefaultParameters()

	// Only five opinions: ignored, falls back to local_gt.
	c := clock.New(params, clock.WithOpinionSource(fixedOpinions{10, 20, 30, 40, 50}))
	c.Update(5)
	require.Equal(t, uint64(10_005), c.AcceptableGlobalTime())
}

func TestAcceptableGlobalTimeIsCached(t *testing.T) {
	params := config.DefaultParameters()
	now := time.Now()
	calls := 0
	src := opinionFunc(func(time.Time) []uint64 {
		calls++
		return nil
	})

	c := clock.New(params, clock.WithOpinionSource(src), clock.WithNow(func() time.Time { return now }))
	c.AcceptableGlobalTime()
	c.AcceptableGlobalTime()
	require.Equal(t, 1, calls, "second call within the TTL must hit the cache")
}

type opinionFunc func(time.Time) []uint64

func (f opinionFunc) Opinions(now time.Time) []uint64 { return f(now) }

func TestFreezeBlocksClaimPastDestroyTime(t *testing.T) {
	c := clock.New(config.DefaultParameters())
	_, err := c.Claim()
	require.NoError(t, err)
	_, err = c.Claim()
	require.NoError(t, err)

	c.Freeze(2)
	_, err = c.Claim()
	require.ErrorIs(t, err, clock.ErrFrozen)
}
