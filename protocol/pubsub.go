// File: protocol/pubsub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Publish/subscribe. Publishers broadcast a duplicate of each message
// to every attached pipe and never receive. Subscribers filter inbound
// messages against a set of byte-prefix subscriptions; a message that
// matches no subscription is dropped before it ever reaches a queue.
// Subscriber delivery is lossy: when a context queue is full the new
// message is discarded rather than stalling the pipe.

package protocol

import (
	"bytes"
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

type pubProto struct {
	mu     sync.Mutex
	pipes  pipeSet
	closed bool
}

func newPub() *pubProto { return &pubProto{} }

func (p *pubProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Pub, Peer: api.Sub, SelfName: "pub", PeerName: "sub"}
}

func (p *pubProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *pubProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

func (p *pubProto) Send(a *aio.Aio, m *message.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	// Best effort fan-out. A slow subscriber loses messages instead of
	// slowing the publisher down.
	p.pipes.each(func(pipe Pipe) {
		pipe.TrySend(m.Dup())
	})
	p.mu.Unlock()
	a.Finish(nil, nil)
	return nil
}

func (p *pubProto) Recv(a *aio.Aio) error {
	return api.Wrap(api.ErrNotSupported, "pub sockets cannot receive")
}

// PipeRecv drops anything a misbehaving peer sends upstream.
func (p *pubProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	return !closed
}

func (p *pubProto) PipeWritable(pipe Pipe) {}

func (p *pubProto) OpenContext() (Context, error) {
	return nil, api.Wrap(api.ErrNotSupported, "pub sockets do not support contexts")
}

func (p *pubProto) DefaultContext() Context { return p }

func (p *pubProto) SetOption(name string, v any) error {
	return api.Wrap(api.ErrBadOption, "%s", name)
}

func (p *pubProto) GetOption(name string) (any, error) {
	return nil, api.Wrap(api.ErrBadOption, "%s", name)
}

func (p *pubProto) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// --- sub ---

type subProto struct {
	mu     sync.Mutex
	pipes  pipeSet
	ctxs   map[*subCtx]struct{}
	defCtx *subCtx
	depth  int
	closed bool
}

type subCtx struct {
	p      *subProto
	subs   [][]byte
	recvQ  msgQ
	rwait  waiterQ
	closed bool
}

func newSub() *subProto {
	p := &subProto{
		ctxs:  make(map[*subCtx]struct{}),
		depth: defaultRecvDepth,
	}
	p.defCtx = p.newCtx()
	return p
}

func (p *subProto) newCtx() *subCtx {
	c := &subCtx{
		p:     p,
		recvQ: newMsgQ(p.depth),
		rwait: newWaiterQ(),
	}
	p.ctxs[c] = struct{}{}
	return c
}

func (p *subProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Sub, Peer: api.Pub, SelfName: "sub", PeerName: "pub"}
}

func (p *subProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *subProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

// matches reports whether the body matches any registered prefix.
// Caller holds p.mu.
func (c *subCtx) matches(body []byte) bool {
	for _, s := range c.subs {
		if bytes.HasPrefix(body, s) {
			return true
		}
	}
	return false
}

func (p *subProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	type handoff struct {
		a *aio.Aio
		m *message.Message
	}
	var done []handoff
	body := m.Body()
	delivered := false
	for c := range p.ctxs {
		if !c.matches(body) {
			continue
		}
		// The last matching context takes the original, earlier ones
		// get duplicates.
		var d *message.Message
		if delivered {
			d = m.Dup()
		} else {
			d = m
			delivered = true
		}
		if w := c.rwait.pop(); w != nil {
			done = append(done, handoff{w, d})
			continue
		}
		// Lossy: drop when the context queue is full.
		c.recvQ.push(d)
	}
	p.mu.Unlock()
	for _, h := range done {
		h.a.Finish(h.m, nil)
	}
	return true
}

func (p *subProto) PipeWritable(pipe Pipe) {}

func (c *subCtx) Send(a *aio.Aio, m *message.Message) error {
	return api.Wrap(api.ErrNotSupported, "sub sockets cannot send")
}

func (c *subCtx) Recv(a *aio.Aio) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if m := c.recvQ.pop(); m != nil {
		p.mu.Unlock()
		a.Finish(m, nil)
		return nil
	}
	c.rwait.push(a)
	if err := a.SetCancel(c.cancelRecv); err != nil {
		c.rwait.remove(a)
		p.mu.Unlock()
		a.Finish(nil, err)
		return nil
	}
	p.mu.Unlock()
	return nil
}

func (c *subCtx) cancelRecv(a *aio.Aio) bool {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.rwait.remove(a)
}

func (c *subCtx) subscribe(prefix []byte) {
	for _, s := range c.subs {
		if bytes.Equal(s, prefix) {
			return
		}
	}
	c.subs = append(c.subs, append([]byte(nil), prefix...))
}

func (c *subCtx) unsubscribe(prefix []byte) error {
	for i, s := range c.subs {
		if bytes.Equal(s, prefix) {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return nil
		}
	}
	return api.Wrap(api.ErrBadValue, "no such subscription")
}

func (c *subCtx) SetOption(name string, v any) error {
	p := c.p
	switch name {
	case api.OptSubscribe:
		b, err := optBytes(v)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		c.subscribe(b)
		return nil
	case api.OptUnsubscribe:
		b, err := optBytes(v)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return c.unsubscribe(b)
	case api.OptRecvBufDepth:
		n, err := optInt(v, 1, maxQueueDepth)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		c.recvQ.depth = n
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (c *subCtx) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		c.p.mu.Lock()
		defer c.p.mu.Unlock()
		return c.recvQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (c *subCtx) Close() error {
	p := c.p
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(p.ctxs, c)
	c.recvQ.drain(func(*message.Message) {})
	var parked []*aio.Aio
	c.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	return nil
}

func (p *subProto) OpenContext() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.ErrClosed
	}
	return p.newCtx(), nil
}

func (p *subProto) DefaultContext() Context { return p.defCtx }

// SetOption on the socket forwards subscription management to the
// default context so plain sockets work without explicit contexts.
func (p *subProto) SetOption(name string, v any) error {
	return p.defCtx.SetOption(name, v)
}

func (p *subProto) GetOption(name string) (any, error) {
	return p.defCtx.GetOption(name)
}

func (p *subProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ctxs := make([]*subCtx, 0, len(p.ctxs))
	for c := range p.ctxs {
		ctxs = append(ctxs, c)
	}
	p.mu.Unlock()
	for _, c := range ctxs {
		_ = c.Close()
	}
	return nil
}
