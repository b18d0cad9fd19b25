// File: core/aio/aio.go
// Package aio implements the reusable asynchronous-operation handle at
// the center of the library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// An Aio represents zero or one outstanding send, receive or sleep
// operation. Its lifecycle is Idle -> Submitted -> settled (completed or
// canceled) -> Idle, and it owns the attached message while Submitted.
// Exactly one completion callback fires per submission, always on an
// executor worker, never on the stack that submitted the operation.
//
// Cancellation is best-effort: an operation still parked in a protocol
// queue is removed and its message handed back; once the message has
// been committed to a pipe send queue (the point of no return) the
// operation completes normally. Deadlines take the cancellation path
// with ErrTimeout.

package aio

import (
	"sync"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
)

type opKind int

const (
	opNone opKind = iota
	opSend
	opRecv
	opSleep
)

// Completion callbacks and deadline timers for all aios share one
// executor and one scheduler, initialized once on first use.
var (
	initOnce     sync.Once
	execDefault  *Executor
	schedDefault *Scheduler
)

func runtimeDefaults() (*Executor, *Scheduler) {
	initOnce.Do(func() {
		execDefault = NewExecutor(0)
		schedDefault = NewScheduler()
	})
	return execDefault, schedDefault
}

// CancelFunc removes a parked operation from a protocol queue. It
// reports true when the operation was still parked (and is now removed)
// and false when the operation already passed the point of no return.
// Implementations run without the aio lock held and may take protocol
// locks.
type CancelFunc func(*Aio) bool

// Aio is a reusable handle for one outstanding asynchronous operation.
type Aio struct {
	mu sync.Mutex
	cv *sync.Cond
	cb func(*Aio)

	inflight bool
	cbBusy   bool
	stopped  bool

	// gen stamps each submission. Deadline timers and cancel requests
	// carry the stamp of the submission they target, so one that fires
	// late cannot abort a later submission of the same aio.
	gen uint64

	op           opKind
	msg          *message.Message
	err          error
	timeout      time.Duration
	timer        *Timer
	cancelFn     CancelFunc
	pendingAbort error
}

// New creates an aio. The callback fires exactly once per submitted
// operation, on a shared worker; it must not block for long, since slow
// callbacks delay completions of other aios. A nil callback is legal
// for wait-style use.
func New(cb func(*Aio)) *Aio {
	a := &Aio{cb: cb}
	a.cv = sync.NewCond(&a.mu)
	return a
}

// SetTimeout sets the deadline applied to subsequent submissions,
// measured from submit time. Zero disables the deadline.
func (a *Aio) SetTimeout(d time.Duration) {
	a.mu.Lock()
	a.timeout = d
	a.mu.Unlock()
}

// Result returns the error of the most recently settled operation, nil
// on success. Submitting a new operation resets it, so the value is
// only meaningful once that operation has settled.
func (a *Aio) Result() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Message returns the message attached to the aio: the received message
// after a successful receive, or the returned message after a canceled
// send.
func (a *Aio) Message() *message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msg
}

// Wait blocks until no operation is in flight and the completion
// callback of the last one has returned. It returns immediately when
// the aio is idle. It must not be called from within the callback.
func (a *Aio) Wait() {
	a.mu.Lock()
	for a.inflight || a.cbBusy {
		a.cv.Wait()
	}
	a.mu.Unlock()
}

// Busy reports whether an operation is in flight or its completion
// callback is still running.
func (a *Aio) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight || a.cbBusy
}

// Cancel requests best-effort interruption of the in-flight operation.
func (a *Aio) Cancel() {
	a.mu.Lock()
	g := a.gen
	a.mu.Unlock()
	a.abort(g, api.ErrCanceled)
}

// Stop cancels any in-flight operation and blocks until it settles and
// its callback has returned. Afterwards every submission fails with
// ErrClosed and no callback can ever fire again. This is the teardown
// path a caller must use before discarding an aio that may be busy.
func (a *Aio) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.Cancel()
	a.Wait()
}

// Sleep submits a timer-only operation completing after d, subject to
// the configured timeout like any other operation.
func (a *Aio) Sleep(d time.Duration) error {
	g, err := a.begin(opSleep, nil)
	if err != nil {
		return err
	}
	_, sched := runtimeDefaults()
	t := sched.Schedule(d, func() {
		a.finish(g, nil, nil)
	})
	if err := a.SetCancel(func(*Aio) bool { return t.Cancel() }); err != nil {
		if t.Cancel() {
			a.finish(g, nil, err)
		}
	}
	return nil
}

// BeginSend transitions Idle -> Submitted for a send, attaching the
// message. Ownership of m moves to the aio until the operation settles.
// Fails with ErrBusy while an operation is in flight and ErrClosed
// after Stop. Used by socket contexts; applications submit through a
// Context or Socket.
func (a *Aio) BeginSend(m *message.Message) error {
	_, err := a.begin(opSend, m)
	return err
}

// BeginRecv transitions Idle -> Submitted for a receive.
func (a *Aio) BeginRecv() error {
	_, err := a.begin(opRecv, nil)
	return err
}

// begin returns the generation stamp of the new submission.
func (a *Aio) begin(op opKind, m *message.Message) (uint64, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return 0, api.ErrClosed
	}
	if a.inflight {
		a.mu.Unlock()
		return 0, api.ErrBusy
	}
	a.gen++
	g := a.gen
	a.inflight = true
	a.op = op
	a.msg = m
	a.err = nil
	a.cancelFn = nil
	a.pendingAbort = nil
	d := a.timeout
	a.mu.Unlock()

	if d > 0 {
		_, sched := runtimeDefaults()
		t := sched.Schedule(d, func() { a.abort(g, api.ErrTimeout) })
		a.mu.Lock()
		if a.inflight && a.gen == g {
			a.timer = t
			a.mu.Unlock()
		} else {
			// Operation already settled synchronously.
			a.mu.Unlock()
			t.Cancel()
		}
	}
	return g, nil
}

// Rollback undoes a submission that a protocol rejected synchronously.
// The aio returns to Idle, no callback fires, and message ownership
// stays with the caller.
func (a *Aio) Rollback() {
	a.mu.Lock()
	if !a.inflight {
		a.mu.Unlock()
		return
	}
	a.inflight = false
	a.op = opNone
	a.msg = nil
	a.cancelFn = nil
	a.pendingAbort = nil
	t := a.timer
	a.timer = nil
	a.cv.Broadcast()
	a.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// SetCancel installs the function that can still abort the parked
// operation. Protocols call it under their own lock immediately after
// parking the aio. A non-nil return reports an abort that arrived
// before parking; the caller must unpark the operation itself and
// finish the aio with the returned error.
func (a *Aio) SetCancel(fn CancelFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inflight {
		return nil
	}
	if a.pendingAbort != nil {
		err := a.pendingAbort
		a.pendingAbort = nil
		return err
	}
	a.cancelFn = fn
	return nil
}

// Finish settles the in-flight operation with the resulting message (a
// received message, or the returned message of a canceled send) and
// error. The first Finish per submission wins; later calls are no-ops,
// which makes completion/cancellation races safe by construction.
func (a *Aio) Finish(m *message.Message, err error) {
	a.mu.Lock()
	a.settleLocked(m, err)
}

// finish settles the operation only when its generation stamp still
// matches, which makes a deadline or cancel that loses the race against
// a normal completion and a resubmission harmless.
func (a *Aio) finish(gen uint64, m *message.Message, err error) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.settleLocked(m, err)
}

// settleLocked is the single settle path. Called with a.mu held;
// releases it.
func (a *Aio) settleLocked(m *message.Message, err error) {
	if !a.inflight {
		a.mu.Unlock()
		return
	}
	a.inflight = false
	a.op = opNone
	a.msg = m
	a.err = err
	a.cancelFn = nil
	a.pendingAbort = nil
	t := a.timer
	a.timer = nil
	dispatch := a.cb != nil
	if dispatch {
		a.cbBusy = true
	}
	a.cv.Broadcast()
	a.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
	if dispatch {
		exec, _ := runtimeDefaults()
		exec.Submit(func() {
			a.cb(a)
			a.mu.Lock()
			a.cbBusy = false
			a.cv.Broadcast()
			a.mu.Unlock()
		})
	}
}

// abort drives both Cancel and deadline expiry. It targets the
// submission stamped gen and is a no-op once the aio has moved past it.
func (a *Aio) abort(gen uint64, err error) {
	a.mu.Lock()
	if !a.inflight || a.gen != gen {
		a.mu.Unlock()
		return
	}
	fn := a.cancelFn
	if fn == nil {
		// Not parked yet; the abort is applied when the protocol
		// installs its cancel function.
		a.pendingAbort = err
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	if fn(a) {
		a.finish(gen, a.Message(), err)
	}
}
