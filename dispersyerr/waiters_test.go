package dispersyerr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/dispersyerr"
)

func TestWaitersCoalescesDuplicates(t *testing.T) {
	w := dispersyerr.NewWaiters()

	var released []int
	w.Register(dispersyerr.MissingMember, "alice", time.Minute, func() { released = append(released, 1) })
	w.Register(dispersyerr.MissingMember, "alice", time.Minute, func() { released = append(released, 2) })
	require.Equal(t, 1, w.Len())

	n := w.Resolve(dispersyerr.MissingMember, "alice")
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []int{1, 2}, released)
	require.Equal(t, 0, w.Len())
}

func TestWaitersResolveUnknownKeyIsNoop(t *testing.T) {
	w := dispersyerr.NewWaiters()
	require.Equal(t, 0, w.Resolve(dispersyerr.MissingProof, "nope"))
}

func TestWaitersExpire(t *testing.T) {
	w := dispersyerr.NewWaiters()
	fired := false
	w.Register(dispersyerr.MissingSequence, "bob", time.Millisecond, func() { fired = true })

	dropped := w.Expire(time.Now().Add(2 * time.Millisecond))
	require.Equal(t, 1, dropped)
	require.False(t, fired, "expired waiters must not be released")
	require.Equal(t, 0, w.Len())
}

func TestErrsAggregation(t *testing.T) {
	var e dispersyerr.Errs
	require.False(t, e.Errored())
	require.Nil(t, e.Err())

	e.Add(nil)
	require.False(t, e.Errored())

	e.Add(dispersyerr.ErrDropPacket)
	require.True(t, e.Errored())
	require.Equal(t, 1, e.Len())
	require.ErrorIs(t, e.Err(), dispersyerr.ErrDropPacket)

	e.Add(dispersyerr.ErrDropMessage)
	require.Equal(t, 2, e.Len())
	require.Error(t, e.Err())
}
