// Package scheduler implements the cooperative single-threaded
// run-queue: a central registry of timers that resumes registered
// generators no earlier than their requested delay. It covers the
// walker tick, the master-member download loop, and per-meta batch
// windows; nothing else in the module may block.
package scheduler

import (
	"sync"
	"time"
)

// TaskID identifies one registered task.
type TaskID uint64

// TaskFunc runs one step of a cooperative generator. It returns the
// delay until it should next run and whether it wishes to continue;
// returning continue=false deregisters the task.
type TaskFunc func(now time.Time) (next time.Duration, cont bool)

type task struct {
	id        TaskID
	community string
	due       time.Time
	fn        TaskFunc
}

// Scheduler is the single run-queue every community's cooperative
// generators register with. RunDue is expected to be driven by one
// goroutine at a time, though registration itself is safe to call
// from any goroutine.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[TaskID]*task
	nextID TaskID
	nowFn  func() time.Time
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithNow overrides time.Now, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = now }
}

// New returns an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{tasks: make(map[TaskID]*task), nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds fn to the run-queue, due after initialDelay, tagged
// with community so UnloadCommunity can cancel it. The permitted
// suspension points are exactly the call sites that register here:
// the walker between ticks, the master-member download between
// retries, and batch-window waits.
func (s *Scheduler) Register(community string, initialDelay time.Duration, fn TaskFunc) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.tasks[id] = &task{
		id:        id,
		community: community,
		due:       s.nowFn().Add(initialDelay),
		fn:        fn,
	}
	return id
}

// Cancel deregisters a single task.
func (s *Scheduler) Cancel(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// UnloadCommunity deregisters every pending generator associated with
// community, before the community detaches.
func (s *Scheduler) UnloadCommunity(community string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.community == community {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of currently registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// RunDue runs every task whose due time has passed as of now, on the
// calling goroutine, one at a time. A task that returns cont=true is
// rescheduled due+next from now; cont=false deregisters it. RunDue
// returns the number of tasks it ran.
func (s *Scheduler) RunDue(now time.Time) int {
	s.mu.Lock()
	due := make([]*task, 0)
	for _, t := range s.tasks {
		if !t.due.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		next, cont := t.fn(now)

		s.mu.Lock()
		if _, stillRegistered := s.tasks[t.id]; stillRegistered {
			if cont {
				t.due = now.Add(next)
			} else {
				delete(s.tasks, t.id)
			}
		}
		s.mu.Unlock()
	}
	return len(due)
}
