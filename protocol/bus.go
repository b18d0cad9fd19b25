// File: protocol/bus.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bus. Every message sent is broadcast to all attached pipes, and
// everything received from any pipe is delivered locally. A node never
// sees its own messages back; forwarding between peers is the
// application's business, the protocol only spans one hop.

package protocol

import (
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

type busProto struct {
	mu     sync.Mutex
	room   *sync.Cond
	pipes  pipeSet
	recvQ  msgQ
	rwait  waiterQ
	closed bool
}

func newBus() *busProto {
	p := &busProto{
		recvQ: newMsgQ(defaultRecvDepth),
		rwait: newWaiterQ(),
	}
	p.room = sync.NewCond(&p.mu)
	return p
}

func (p *busProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Bus, Peer: api.Bus, SelfName: "bus", PeerName: "bus"}
}

func (p *busProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *busProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

func (p *busProto) Send(a *aio.Aio, m *message.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	// Best effort broadcast, same stance as pub: congested peers miss
	// the message rather than stalling the bus.
	p.pipes.each(func(pipe Pipe) {
		pipe.TrySend(m.Dup())
	})
	p.mu.Unlock()
	a.Finish(nil, nil)
	return nil
}

func (p *busProto) Recv(a *aio.Aio) error {
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

func (p *busProto) cancelRecv(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rwait.remove(a)
}

func (p *busProto) PipeRecv(pipe Pipe, m *message.Message) bool {
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

func (p *busProto) PipeWritable(pipe Pipe) {}

func (p *busProto) OpenContext() (Context, error) {
	return nil, api.Wrap(api.ErrNotSupported, "bus sockets do not support contexts")
}

func (p *busProto) DefaultContext() Context { return p }

func (p *busProto) SetOption(name string, v any) error {
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

func (p *busProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.recvQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *busProto) Close() error {
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
