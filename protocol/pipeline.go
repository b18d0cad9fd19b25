// File: protocol/pipeline.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipeline (push/pull). Pushers distribute messages round-robin over
// ready pipes and block when every peer is saturated. Pullers fair-
// queue inbound messages from all pipes into a single bounded queue
// with backpressure toward the wire.

package protocol

import (
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

type pushProto struct {
	mu     sync.Mutex
	pipes  pipeSet
	swait  waiterQ
	closed bool
}

func newPush() *pushProto {
	return &pushProto{swait: newWaiterQ()}
}

func (p *pushProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Push, Peer: api.Pull, SelfName: "push", PeerName: "pull"}
}

func (p *pushProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	done := p.drainLocked()
	p.mu.Unlock()
	for _, a := range done {
		a.Finish(nil, nil)
	}
	return nil
}

func (p *pushProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
	// Parked sends stay parked: another peer or a reconnect will pick
	// them up, which keeps pipe churn invisible to senders.
}

// trySendLocked offers the message round-robin to the next ready pipe.
// Caller holds p.mu.
func (p *pushProto) trySendLocked(m *message.Message) bool {
	for _, pipe := range p.pipes.rotation() {
		if pipe.TrySend(m) {
			return true
		}
	}
	return false
}

// drainLocked moves as many parked sends to the wire as pipes will
// take, preserving submission order. Caller holds p.mu; returned
// aios are finished by the caller outside the lock.
func (p *pushProto) drainLocked() []*aio.Aio {
	var done []*aio.Aio
	for {
		a := p.swait.pop()
		if a == nil {
			return done
		}
		if !p.trySendLocked(a.Message()) {
			p.swait.pushFront(a)
			return done
		}
		done = append(done, a)
	}
}

func (p *pushProto) Send(a *aio.Aio, m *message.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if p.swait.len() == 0 && p.trySendLocked(m) {
		p.mu.Unlock()
		a.Finish(nil, nil)
		return nil
	}
	p.swait.push(a)
	if err := a.SetCancel(p.cancelSend); err != nil {
		p.swait.remove(a)
		p.mu.Unlock()
		a.Finish(a.Message(), err)
		return nil
	}
	p.mu.Unlock()
	return nil
}

func (p *pushProto) cancelSend(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swait.remove(a)
}

func (p *pushProto) Recv(a *aio.Aio) error {
	return api.Wrap(api.ErrNotSupported, "push sockets cannot receive")
}

func (p *pushProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return !closed
}

func (p *pushProto) PipeWritable(pipe Pipe) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	done := p.drainLocked()
	p.mu.Unlock()
	for _, a := range done {
		a.Finish(nil, nil)
	}
}

func (p *pushProto) OpenContext() (Context, error) {
	return nil, api.Wrap(api.ErrNotSupported, "push sockets do not support contexts")
}

func (p *pushProto) DefaultContext() Context { return p }

func (p *pushProto) SetOption(name string, v any) error {
	return api.Wrap(api.ErrBadOption, "%s", name)
}

func (p *pushProto) GetOption(name string) (any, error) {
	return nil, api.Wrap(api.ErrBadOption, "%s", name)
}

func (p *pushProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var parked []*aio.Aio
	p.swait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(a.Message(), api.ErrClosed)
	}
	return nil
}

// --- pull ---

type pullProto struct {
	mu     sync.Mutex
	room   *sync.Cond
	pipes  pipeSet
	recvQ  msgQ
	rwait  waiterQ
	closed bool
}

func newPull() *pullProto {
	p := &pullProto{
		recvQ: newMsgQ(defaultRecvDepth),
		rwait: newWaiterQ(),
	}
	p.room = sync.NewCond(&p.mu)
	return p
}

func (p *pullProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Pull, Peer: api.Push, SelfName: "pull", PeerName: "push"}
}

func (p *pullProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *pullProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

func (p *pullProto) Send(a *aio.Aio, m *message.Message) error {
	return api.Wrap(api.ErrNotSupported, "pull sockets cannot send")
}

func (p *pullProto) Recv(a *aio.Aio) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if m := p.recvQ.pop(); m != nil {
		p.room.Signal()
		p.mu.Unlock()
		a.Finish(m, nil)
		return nil
	}
	p.rwait.push(a)
	if err := a.SetCancel(p.cancelRecv); err != nil {
		p.rwait.remove(a)
		p.mu.Unlock()
		a.Finish(nil, err)
		return nil
	}
	p.mu.Unlock()
	return nil
}

func (p *pullProto) cancelRecv(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rwait.remove(a)
}

func (p *pullProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return false
		}
		if w := p.rwait.pop(); w != nil {
			p.mu.Unlock()
			w.Finish(m, nil)
			return true
		}
		if p.recvQ.push(m) {
			p.mu.Unlock()
			return true
		}
		p.room.Wait()
	}
}

func (p *pullProto) PipeWritable(pipe Pipe) {}

func (p *pullProto) OpenContext() (Context, error) {
	return nil, api.Wrap(api.ErrNotSupported, "pull sockets do not support contexts")
}

func (p *pullProto) DefaultContext() Context { return p }

func (p *pullProto) SetOption(name string, v any) error {
	switch name {
	case api.OptRecvBufDepth:
		n, err := optInt(v, 1, maxQueueDepth)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.recvQ.depth = n
		p.mu.Unlock()
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *pullProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.recvQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *pullProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var parked []*aio.Aio
	p.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.recvQ.drain(func(*message.Message) {})
	p.room.Broadcast()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	return nil
}
