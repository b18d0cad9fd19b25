// File: protocol/protocol.go
// Package protocol implements the closed set of messaging-pattern state
// machines: pair, req/rep, pub/sub, push/pull, surveyor/respondent and
// bus.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A protocol instance validates and schedules operations against the
// pipes a socket attaches to it. The variant set is fixed; New performs
// an exhaustive switch and nothing can be registered from outside.
//
// Locking: every protocol guards its pipe set, context table and
// queues with a single mutex held only for short critical sections.
// Aio completion (Finish) is safe to call with that mutex held because
// callbacks are dispatched to executor workers, never run inline.

package protocol

import (
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

// Default queue depths, overridable through the buffer-depth options.
const (
	defaultRecvDepth = 128
	maxQueueDepth    = 8192
)

// Pipe is the protocol-side view of one established transport
// connection. Implemented by the socket package.
type Pipe interface {
	// ID returns the pipe identifier, unique within the process.
	ID() uint32

	// TrySend enqueues the message without blocking. Ownership of m
	// moves on true; false reports a full send queue (pipe not ready).
	TrySend(m *message.Message) bool

	// Close tears the pipe down asynchronously.
	Close()
}

// Protocol is one pattern state machine bound to a socket.
type Protocol interface {
	// Info identifies the protocol and its expected peer.
	Info() api.ProtocolInfo

	// AttachPipe offers a new pipe. An error refuses the pipe and the
	// socket closes it (pair accepts a single peer).
	AttachPipe(p Pipe) error

	// DetachPipe removes a pipe after transport failure or close,
	// triggering protocol-specific failover.
	DetachPipe(p Pipe)

	// PipeRecv hands an inbound message to the protocol. It may block
	// for queue room (backpressure patterns) or drop per policy (lossy
	// patterns). A false return means the protocol is closed and the
	// caller should stop reading.
	PipeRecv(p Pipe, m *message.Message) bool

	// PipeWritable reports that the pipe's send queue has room again,
	// letting parked send operations resume.
	PipeWritable(p Pipe)

	// OpenContext creates an independent conversation context, or
	// fails with ErrNotSupported for single-conversation patterns.
	OpenContext() (Context, error)

	// DefaultContext returns the socket-wide implicit context.
	DefaultContext() Context

	// SetOption and GetOption handle the protocol's own option names.
	SetOption(name string, v any) error
	GetOption(name string) (any, error)

	// Close cancels every parked operation with ErrClosed and releases
	// protocol resources. Idempotent.
	Close() error
}

// Context is one protocol-aware conversation cursor. Operations on the
// same context are serialized by the protocol lock.
type Context interface {
	// Send validates and schedules a send for an armed aio. A non-nil
	// return reports a synchronous protocol rejection: no callback
	// fires and message ownership stays with the caller (the socket
	// rolls the aio back).
	Send(a *aio.Aio, m *message.Message) error

	// Recv schedules a receive for an armed aio, either completing it
	// from buffered messages or parking it.
	Recv(a *aio.Aio) error

	// SetOption and GetOption handle per-context options such as
	// subscriptions.
	SetOption(name string, v any) error
	GetOption(name string) (any, error)

	// Close cancels operations bound to the context. Idempotent.
	Close() error
}

// New instantiates the state machine for the given pattern. The switch
// is exhaustive over the closed protocol set.
func New(id api.ProtocolID, sched *aio.Scheduler) (Protocol, error) {
	switch id {
	case api.Pair:
		return newPair(), nil
	case api.Req:
		return newReq(sched), nil
	case api.Rep:
		return newRep(), nil
	case api.Pub:
		return newPub(), nil
	case api.Sub:
		return newSub(), nil
	case api.Push:
		return newPush(), nil
	case api.Pull:
		return newPull(), nil
	case api.Surveyor:
		return newSurveyor(sched), nil
	case api.Respondent:
		return newRespondent(), nil
	case api.Bus:
		return newBus(), nil
	default:
		return nil, api.Wrap(api.ErrNotSupported, "protocol %#x", uint16(id))
	}
}

// waiterQ is a FIFO of parked aios.
type waiterQ struct {
	q *queue.Queue
}

func newWaiterQ() waiterQ {
	return waiterQ{q: queue.New()}
}

func (w *waiterQ) push(a *aio.Aio) { w.q.Add(a) }

func (w *waiterQ) pop() *aio.Aio {
	if w.q.Length() == 0 {
		return nil
	}
	return w.q.Remove().(*aio.Aio)
}

// pushFront re-parks an aio at the head, preserving submission order
// after a failed commit attempt.
func (w *waiterQ) pushFront(a *aio.Aio) {
	n := w.q.Length()
	w.q.Add(a)
	for i := 0; i < n; i++ {
		w.q.Add(w.q.Remove())
	}
}

// remove deletes a parked aio by identity. False means the operation
// already left the queue (committed or completed).
func (w *waiterQ) remove(target *aio.Aio) bool {
	n := w.q.Length()
	found := false
	for i := 0; i < n; i++ {
		a := w.q.Remove().(*aio.Aio)
		if a == target && !found {
			found = true
			continue
		}
		w.q.Add(a)
	}
	return found
}

func (w *waiterQ) len() int { return w.q.Length() }

func (w *waiterQ) drain(fn func(*aio.Aio)) {
	for w.q.Length() > 0 {
		fn(w.q.Remove().(*aio.Aio))
	}
}

// msgQ is a bounded FIFO of buffered messages.
type msgQ struct {
	q     *queue.Queue
	depth int
}

func newMsgQ(depth int) msgQ {
	return msgQ{q: queue.New(), depth: depth}
}

func (m *msgQ) push(msg *message.Message) bool {
	if m.q.Length() >= m.depth {
		return false
	}
	m.q.Add(msg)
	return true
}

func (m *msgQ) pop() *message.Message {
	if m.q.Length() == 0 {
		return nil
	}
	return m.q.Remove().(*message.Message)
}

func (m *msgQ) len() int { return m.q.Length() }

func (m *msgQ) drain(fn func(*message.Message)) {
	for m.q.Length() > 0 {
		fn(m.q.Remove().(*message.Message))
	}
}

// pipeSet is the attached-pipe collection with round-robin iteration.
type pipeSet struct {
	pipes []Pipe
	next  int
}

func (s *pipeSet) add(p Pipe) { s.pipes = append(s.pipes, p) }

func (s *pipeSet) remove(p Pipe) bool {
	for i, cur := range s.pipes {
		if cur.ID() == p.ID() {
			s.pipes = append(s.pipes[:i], s.pipes[i+1:]...)
			if s.next > i {
				s.next--
			}
			return true
		}
	}
	return false
}

func (s *pipeSet) get(id uint32) Pipe {
	for _, p := range s.pipes {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (s *pipeSet) len() int { return len(s.pipes) }

func (s *pipeSet) each(fn func(Pipe)) {
	for _, p := range s.pipes {
		fn(p)
	}
}

// rotation returns the pipes in round-robin order, advancing the start
// position by one so successive sends spread across peers.
func (s *pipeSet) rotation() []Pipe {
	n := len(s.pipes)
	if n == 0 {
		return nil
	}
	if s.next >= n {
		s.next = 0
	}
	out := make([]Pipe, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.pipes[(s.next+i)%n])
	}
	s.next = (s.next + 1) % n
	return out
}

// Option value coercion helpers shared by the protocol variants.

func optInt(v any, lo, hi int) (int, error) {
	n, ok := v.(int)
	if !ok {
		return 0, api.Wrap(api.ErrBadValue, "want int, got %T", v)
	}
	if n < lo || n > hi {
		return 0, api.Wrap(api.ErrBadValue, "%d outside [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func optDuration(v any) (time.Duration, error) {
	d, ok := v.(time.Duration)
	if !ok {
		return 0, api.Wrap(api.ErrBadValue, "want time.Duration, got %T", v)
	}
	if d < 0 {
		return 0, api.Wrap(api.ErrBadValue, "negative duration")
	}
	return d, nil
}

func optBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return append([]byte(nil), b...), nil
	case string:
		return []byte(b), nil
	default:
		return nil, api.Wrap(api.ErrBadValue, "want []byte or string, got %T", v)
	}
}
