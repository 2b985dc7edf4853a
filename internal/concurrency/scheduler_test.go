// scheduler_test.go — Scheduler contract: timer expiration, cancel, ordering.
// Author: momentics <momentics@gmail.com>

package concurrency

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_DelayedExecution(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var count int32
	s.Schedule(10_000_000, func() { atomic.AddInt32(&count, 1) }) // 10ms

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 1 {
		t.Error("scheduled function did not run after delay")
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	c, _ := s.Schedule(50_000_000, func() { t.Error("canceled task must not run") })
	if err := s.Cancel(c); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
}

func TestScheduler_ZeroDelayDefers(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	ran := make(chan struct{})
	s.Schedule(0, func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(100 * time.Millisecond):
		t.Error("zero-delay task never fired")
	}
}

func TestScheduler_FiresInOrder(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var order []int
	done := make(chan struct{})

	s.Schedule(30_000_000, func() { order = append(order, 2) })
	s.Schedule(10_000_000, func() { order = append(order, 1) })
	s.Schedule(60_000_000, func() { order = append(order, 3); close(done) })

	<-done
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("tasks fired out of order: %v", order)
	}
}
