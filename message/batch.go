package message

import (
	"sync"
	"time"

	"github.com/dispersy-go/dispersy/scheduler"
)

// BatchWindow debounces one meta-message's inbound messages: Add
// buffers a message and, if no flush is pending, arms a one-shot flush
// task on the scheduler for window. The flush runs on the scheduler
// goroutine, so batch-window waits suspend on the same cooperative
// run-queue as the walker tick and the master-member download rather
// than on a free-running timer goroutine.
type BatchWindow struct {
	mu        sync.Mutex
	window    time.Duration
	community string
	sched     *scheduler.Scheduler
	pending   []*Message
	armed     bool
	flush     func([]*Message)
}

// NewBatchWindow returns a BatchWindow that calls flush with every
// message accumulated since the previous flush, no more often than
// once per window. Tasks are tagged with community so an unload
// cancels any pending flush along with the community's other
// generators.
func NewBatchWindow(sched *scheduler.Scheduler, community string, window time.Duration, flush func([]*Message)) *BatchWindow {
	return &BatchWindow{
		window:    window,
		community: community,
		sched:     sched,
		flush:     flush,
	}
}

// Add buffers msg, arming the flush task if this is the first message
// added since the last flush.
func (b *BatchWindow) Add(msg *Message) {
	b.mu.Lock()
	b.pending = append(b.pending, msg)
	arm := !b.armed
	b.armed = true
	b.mu.Unlock()

	if arm {
		b.sched.Register(b.community, b.window, func(time.Time) (time.Duration, bool) {
			b.Flush()
			return 0, false
		})
	}
}

// Flush delivers every pending message to the flush callback
// immediately and disarms the window, so the next Add re-arms it. A
// flush task firing after a direct Flush call finds nothing pending
// and delivers nothing.
func (b *BatchWindow) Flush() {
	b.mu.Lock()
	b.armed = false
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(batch)
	}
}

// Pending returns the number of messages buffered since the last flush.
func (b *BatchWindow) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
