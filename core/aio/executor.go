// File: core/aio/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor runs completion callbacks on a small pool of worker
// goroutines, decoupled from the threads that submit operations. A
// callback is therefore never reentrant into the stack that submitted
// the operation it belongs to.

package aio

import (
	"runtime"
	"sync"
)

const executorQueueDepth = 4096

// Executor manages a fixed pool of callback workers.
type Executor struct {
	tasks  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewExecutor creates an executor with the given number of workers.
// Non-positive counts select a small default derived from GOMAXPROCS.
func NewExecutor(numWorkers int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers > 8 {
			numWorkers = 8
		}
	}
	e := &Executor{
		tasks:  make(chan func(), executorQueueDepth),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues a task. After Close the task runs on the calling
// goroutine instead of being dropped, so a completion is never lost.
// The enqueue happens outside the mutex: a submitter blocked on a full
// queue never holds up other submitters or Close.
func (e *Executor) Submit(task func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		task()
		return
	}
	e.pending.Add(1)
	e.mu.Unlock()
	defer e.pending.Done()

	select {
	case e.tasks <- task:
	case <-e.stopCh:
		// Shut down while blocked on the queue.
		task()
	}
}

// Close stops the workers after draining queued tasks.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.stopCh)
	// Submitters racing Close may still commit to the queue after the
	// workers drained it, so drain once more when both have quiesced.
	e.pending.Wait()
	e.wg.Wait()
	for {
		select {
		case task := <-e.tasks:
			e.safeExecute(task)
		default:
			return
		}
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case task := <-e.tasks:
			e.safeExecute(task)
		case <-e.stopCh:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case task := <-e.tasks:
					e.safeExecute(task)
				default:
					return
				}
			}
		}
	}
}

func (e *Executor) safeExecute(task func()) {
	defer func() { _ = recover() }()
	task()
}
