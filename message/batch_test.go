package message_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/message"
	"github.com/dispersy-go/dispersy/scheduler"
)

func TestBatchWindowFlushDeliversAccumulatedMessages(t *testing.T) {
	now := time.Now()
	sched := scheduler.New(scheduler.WithNow(func() time.Time { return now }))

	var got []*message.Message
	b := message.NewBatchWindow(sched, "c", time.Second, func(batch []*message.Message) {
		got = append(got, batch...)
	})

	b.Add(&message.Message{GlobalTime: 1})
	b.Add(&message.Message{GlobalTime: 2})
	require.Equal(t, 2, b.Pending())
	require.Equal(t, 1, sched.Len(), "only the first Add arms a flush task")

	b.Flush()
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].GlobalTime)
	require.Equal(t, uint64(2), got[1].GlobalTime)
	require.Equal(t, 0, b.Pending())
}

func TestBatchWindowFlushWithNothingPendingIsNoop(t *testing.T) {
	sched := scheduler.New()
	calls := 0
	b := message.NewBatchWindow(sched, "c", time.Second, func([]*message.Message) { calls++ })
	b.Flush()
	require.Equal(t, 0, calls)
}

func TestBatchWindowFlushesOnSchedulerTask(t *testing.T) {
	now := time.Now()
	sched := scheduler.New(scheduler.WithNow(func() time.Time { return now }))

	var batches [][]*message.Message
	b := message.NewBatchWindow(sched, "c", time.Second, func(batch []*message.Message) {
		batches = append(batches, batch)
	})

	b.Add(&message.Message{GlobalTime: 7})
	require.Equal(t, 0, sched.RunDue(now), "window has not elapsed yet")

	require.Equal(t, 1, sched.RunDue(now.Add(time.Second)))
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, 0, sched.Len(), "flush task is one-shot")

	// the next Add re-arms a fresh task
	b.Add(&message.Message{GlobalTime: 8})
	require.Equal(t, 1, sched.Len())
}

func TestBatchWindowUnloadCancelsPendingFlush(t *testing.T) {
	now := time.Now()
	sched := scheduler.New(scheduler.WithNow(func() time.Time { return now }))

	b := message.NewBatchWindow(sched, "doomed", time.Second, func([]*message.Message) {
		t.Fatal("flush must not fire after the community unloads")
	})
	b.Add(&message.Message{GlobalTime: 1})

	require.Equal(t, 1, sched.UnloadCommunity("doomed"))
	require.Equal(t, 0, sched.RunDue(now.Add(time.Minute)))
}
