// File: protocol/pair.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pair: strict one-to-one peering. Exactly one pipe may be active;
// sends without a peer fail immediately with ErrNoPeer and additional
// pipes are refused at attach time.

package protocol

import (
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

type pairProto struct {
	mu     sync.Mutex
	room   *sync.Cond
	peer   Pipe
	recvQ  msgQ
	rwait  waiterQ
	swait  waiterQ
	closed bool
}

func newPair() *pairProto {
	p := &pairProto{
		recvQ: newMsgQ(defaultRecvDepth),
		rwait: newWaiterQ(),
		swait: newWaiterQ(),
	}
	p.room = sync.NewCond(&p.mu)
	return p
}

func (p *pairProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Pair, Peer: api.Pair, SelfName: "pair", PeerName: "pair"}
}

func (p *pairProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	if p.peer != nil {
		return api.Wrap(api.ErrBusy, "pair already has a peer")
	}
	p.peer = pipe
	return nil
}

func (p *pairProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	if p.peer == nil || p.peer.ID() != pipe.ID() {
		p.mu.Unlock()
		return
	}
	p.peer = nil
	// Sends parked on the lost peer cannot fail over anywhere.
	var failed []*aio.Aio
	p.swait.drain(func(a *aio.Aio) { failed = append(failed, a) })
	p.mu.Unlock()
	for _, a := range failed {
		a.Finish(a.Message(), api.ErrConnClosed)
	}
}

func (p *pairProto) Send(a *aio.Aio, m *message.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if p.peer == nil {
		p.mu.Unlock()
		return api.ErrNoPeer
	}
	if p.peer.TrySend(m) {
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

func (p *pairProto) cancelSend(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.swait.remove(a)
}

func (p *pairProto) Recv(a *aio.Aio) error {
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

func (p *pairProto) cancelRecv(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rwait.remove(a)
}

func (p *pairProto) PipeRecv(pipe Pipe, m *message.Message) bool {
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

func (p *pairProto) PipeWritable(pipe Pipe) {
	p.mu.Lock()
	for {
		if p.closed || p.peer == nil || p.peer.ID() != pipe.ID() {
			break
		}
		a := p.swait.pop()
		if a == nil {
			break
		}
		if !p.peer.TrySend(a.Message()) {
			p.swait.pushFront(a)
			break
		}
		p.mu.Unlock()
		a.Finish(nil, nil)
		p.mu.Lock()
	}
	p.mu.Unlock()
}

func (p *pairProto) OpenContext() (Context, error) {
	return nil, api.Wrap(api.ErrNotSupported, "pair does not support contexts")
}

func (p *pairProto) DefaultContext() Context { return p }

func (p *pairProto) SetOption(name string, v any) error {
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

func (p *pairProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.recvQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *pairProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var parked []*aio.Aio
	p.swait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.recvQ.drain(func(*message.Message) {})
	p.room.Broadcast()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(a.Message(), api.ErrClosed)
	}
	return nil
}
