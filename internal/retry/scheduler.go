package retry

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay without occupying a fetch slot and
// without blocking the caller. A worker that decides to retry hands the item
// here and releases its slot immediately; the callback later re-enters the
// work queue as a fresh submission. Callbacks run one at a time on the
// scheduler's own goroutine. Ordering between pending callbacks is not
// guaranteed beyond "fires no earlier than its delay".
type Scheduler struct {
	mu      sync.Mutex
	entries timerHeap
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

type timerEntry struct {
	at time.Time
	fn func()
}

// NewScheduler starts the single consumer loop.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Schedule queues fn to run once, no earlier than delay from now. After Stop
// the call is a no-op.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.entries, timerEntry{at: time.Now().Add(delay), fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down. Pending callbacks that have not fired yet are
// discarded: on shutdown nobody is waiting for the slots a late retry would
// occupy.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.entries) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.entries[0].at)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.fireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops every entry whose time has come and runs it.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.entries) == 0 || s.entries[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.entries).(timerEntry)
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		default:
		}
		e.fn()
	}
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
