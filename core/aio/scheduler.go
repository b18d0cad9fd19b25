// File: core/aio/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Min-heap timer scheduler driving operation deadlines, request resend
// intervals, survey expiry and dial backoff. A single goroutine sleeps
// until the earliest timer and fires expired entries in order.

package aio

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a handle to one scheduled callback.
type Timer struct {
	when     time.Time
	fn       func()
	index    int
	canceled bool
	fired    bool
	s        *Scheduler
}

// Cancel prevents the timer from firing. It reports true when the
// callback is guaranteed not to run; false means it already ran or is
// about to.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.canceled {
		return false
	}
	t.canceled = true
	return true
}

// Scheduler owns the timer heap and its driver goroutine.
type Scheduler struct {
	mu     sync.Mutex
	timers timerHeap
	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler starts a scheduler.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule arranges for fn to run after d. The callback runs on the
// scheduler goroutine and must be short; long work belongs on an
// Executor.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{when: time.Now().Add(d), fn: fn, s: s}
	s.mu.Lock()
	heap.Push(&s.timers, t)
	s.mu.Unlock()
	s.kick()
	return t
}

// Close stops the driver goroutine. Pending timers never fire.
func (s *Scheduler) Close() {
	select {
	case <-s.stop:
		return
	default:
	}
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		now := time.Now()
		var due []*Timer
		for s.timers.Len() > 0 {
			next := s.timers[0]
			if next.canceled {
				heap.Pop(&s.timers)
				continue
			}
			if next.when.After(now) {
				break
			}
			heap.Pop(&s.timers)
			next.fired = true
			due = append(due, next)
		}
		var wait time.Duration = -1
		if s.timers.Len() > 0 {
			wait = time.Until(s.timers[0].when)
		}
		s.mu.Unlock()

		for _, t := range due {
			t.fn()
		}

		if wait < 0 {
			select {
			case <-s.notify:
			case <-s.stop:
				return
			}
			continue
		}
		sleep := time.NewTimer(wait)
		select {
		case <-sleep.C:
		case <-s.notify:
			sleep.Stop()
		case <-s.stop:
			sleep.Stop()
			return
		}
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
