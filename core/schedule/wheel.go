// Package schedule implements C8: the DeadlineWheelScheduler, a
// one-shot timer facility keyed by absolute expiry time and executed on
// its own agent thread. No third-party timer-wheel library appears
// anywhere in the retrieval pack, so the due-entry structure is a
// stdlib container/heap min-heap ordered by expiry — the idiomatic Go
// shape for "next deadline" scheduling, grounded on spec.md §4.7's own
// description of the structure ("deadline wheel keyed by absolute
// expiry time").
package schedule

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowloop/cortege/core/report"
)

// Action is executed on the scheduler's own agent thread when its
// timer's deadline elapses. Actions must be non-blocking, per spec.md
// §5: "Nowhere inside handler callbacks... blocking I/O must be
// offloaded".
type Action func()

// ID identifies one scheduled timer. There is no cancel API; callers
// emulate cancellation with an external flag the action consults before
// doing anything observable, per spec.md §4.7/§5.
type ID uint64

type timerEntry struct {
	id     ID
	expiry int64 // epoch milliseconds
	action Action
	index  int
}

// entryHeap is a container/heap min-heap ordered by expiry.
type entryHeap []*timerEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expiry < h[j].expiry }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is C8: DeadlineWheelScheduler. Its DoWork method is meant to
// be hosted as a sub-agent of a core/agent.ComposingAgent, so timers
// fire on that agent's own thread rather than racing with handler
// callbacks.
type Scheduler struct {
	reporter *report.Hub
	now      func() time.Time

	mu      sync.Mutex
	pending entryHeap
	nextID  atomic.Uint64
}

// New constructs a Scheduler reporting failures through hub. A nil hub
// disables error reporting.
func New(hub *report.Hub) *Scheduler {
	s := &Scheduler{reporter: hub, now: time.Now}
	heap.Init(&s.pending)
	return s
}

// ScheduleAfterDelay schedules action to run delay from now.
func (s *Scheduler) ScheduleAfterDelay(delay time.Duration, action Action) ID {
	return s.ScheduleAtTime(s.now().Add(delay).UnixMilli(), action)
}

// ScheduleAtTime schedules action to run at the given absolute epoch
// millisecond time. If epochMs is already in the past, the action fires
// on the next DoWork call.
func (s *Scheduler) ScheduleAtTime(epochMs int64, action Action) ID {
	id := ID(s.nextID.Add(1))
	s.mu.Lock()
	heap.Push(&s.pending, &timerEntry{id: id, expiry: epochMs, action: action})
	s.mu.Unlock()
	return id
}

// DoWork implements engine.AgentHosted: pops and runs every timer whose
// expiry has elapsed, returning the count executed. Panics from an
// individual action are recovered and reported, never killing the
// scheduler's agent thread.
func (s *Scheduler) DoWork() (int, error) {
	now := s.milliTime()
	due := s.popDue(now)
	for _, e := range due {
		s.runOne(e)
	}
	return len(due), nil
}

func (s *Scheduler) popDue(nowMs int64) []*timerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*timerEntry
	for s.pending.Len() > 0 && s.pending[0].expiry <= nowMs {
		e := heap.Pop(&s.pending).(*timerEntry)
		due = append(due, e)
	}
	return due
}

func (s *Scheduler) runOne(e *timerEntry) {
	defer func() {
		if p := recover(); p != nil && s.reporter != nil {
			s.reporter.Err("scheduler", report.KindSchedulerActionFailure, "timer action panicked", nil,
				report.Field{Key: "timer_id", Value: e.id},
				report.Field{Key: "recovered", Value: p},
			)
		}
	}()
	e.action()
}

// PendingCount returns the number of timers not yet due, for diagnostics
// and tests.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// milliTime returns the scheduler's clock source in epoch milliseconds.
func (s *Scheduler) milliTime() int64 { return s.now().UnixMilli() }

// MilliTime is the public milliTime accessor named in spec.md §4.7.
func (s *Scheduler) MilliTime() int64 { return s.milliTime() }

// MicroTime is the public microTime accessor named in spec.md §4.7.
func (s *Scheduler) MicroTime() int64 { return s.now().UnixMicro() }

// NanoTime is the public nanoTime accessor named in spec.md §4.7.
func (s *Scheduler) NanoTime() int64 { return s.now().UnixNano() }

// SetClock overrides the scheduler's time source, for deterministic
// tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
