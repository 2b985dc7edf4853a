// File: internal/concurrency/scheduler.go
// Package concurrency
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-goroutine, heap-backed Scheduler. The server and the client
// driver each own one instance, using it for every session's flush
// timer / buffer scheduler slot, so the run loop stays cheap: the heap
// holds the pending deferred flushes, plus any canceled ones whose
// deadline has not yet passed.

package concurrency

import (
	"container/heap"
	"sync"
	"time"

	"github.com/momentics/pollsocket/api"
)

type task struct {
	at    int64 // nanoseconds, relative to the scheduler's own clock
	fn    func()
	index int // heap index, maintained by container/heap
	done  chan struct{}
}

func (t *task) Cancel() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return nil
}

func (t *task) Done() <-chan struct{} { return t.done }

var _ api.Cancelable = (*task)(nil)

type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler runs scheduled callbacks on a single background goroutine.
type Scheduler struct {
	start time.Time

	mu     sync.Mutex
	q      taskHeap
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// NewScheduler starts the background run loop and returns a ready
// Scheduler. Call Stop during shutdown; pending callbacks never fire
// after that.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		start:  time.Now(),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go s.run()
	return s
}

var _ api.Scheduler = (*Scheduler)(nil)

// Now returns nanoseconds elapsed since the scheduler was created.
func (s *Scheduler) Now() int64 {
	return time.Since(s.start).Nanoseconds()
}

// Schedule runs fn once delayNanos have elapsed. A zero delay still
// defers to the run loop's next wakeup rather than running fn inline
// (spec §4.2: "zero still defers to the next scheduling tick").
func (s *Scheduler) Schedule(delayNanos int64, fn func()) (api.Cancelable, error) {
	t := &task{at: s.Now() + delayNanos, fn: fn, done: make(chan struct{})}

	s.mu.Lock()
	heap.Push(&s.q, t)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return t, nil
}

// Cancel aborts a previously scheduled callback; safe to call after
// the callback has already fired.
func (s *Scheduler) Cancel(c api.Cancelable) error {
	return c.Cancel()
}

// Stop terminates the run loop.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		var due bool
		if s.q.Len() > 0 {
			wait = time.Duration(s.q[0].at - s.Now())
			if wait < 0 {
				wait = 0
			}
			due = true
		}
		s.mu.Unlock()

		if !due {
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			s.fireDue()
		case <-s.notify:
			continue
		case <-s.stop:
			return
		}
	}
}

// fireDue pops and runs every task whose deadline has passed, skipping
// any that were canceled in the meantime.
func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if s.q.Len() == 0 || s.q[0].at > s.Now() {
			s.mu.Unlock()
			return
		}
		next := heap.Pop(&s.q).(*task)
		s.mu.Unlock()

		select {
		case <-next.done:
			// canceled before it fired
		default:
			next.fn()
			close(next.done)
		}
	}
}
