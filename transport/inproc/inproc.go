// File: transport/inproc/inproc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-process transport. Addresses are plain names in a process-local
// namespace; a dial rendezvouses with a listener on the same name and
// the resulting connection moves message pointers over channels, no
// serialization involved. Ownership transfer makes that safe: the
// sender must not touch a message after handing it over.

package inproc

import (
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
	"github.com/momentics/hioload-sp/transport"
)

const connDepth = 16

// Transport implements transport.Transport for the "inproc" scheme.
// Each instance is its own namespace; sockets sharing a registry share
// the namespace.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*acceptor
}

func New() *Transport {
	return &Transport{listeners: make(map[string]*acceptor)}
}

func (t *Transport) Scheme() string { return "inproc" }

func (t *Transport) Dial(addr string, cfg Config) (transport.Conn, error) {
	_, name, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	l, ok := t.listeners[name]
	t.mu.Unlock()
	if !ok {
		return nil, api.Wrap(api.ErrConnClosed, "no listener at inproc://%s", name)
	}

	local, remote := newConnPair()
	select {
	case l.pending <- remote:
		return local, nil
	case <-l.done:
		return nil, api.Wrap(api.ErrConnClosed, "no listener at inproc://%s", name)
	}
}

// Config aliases the shared transport config; inproc ignores size
// limits since no untrusted bytes ever cross it.
type Config = transport.Config

func (t *Transport) Listen(addr string, cfg Config) (transport.Acceptor, error) {
	_, name, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[name]; exists {
		return nil, api.Wrap(api.ErrBusy, "inproc://%s already bound", name)
	}
	l := &acceptor{
		transport: t,
		name:      name,
		pending:   make(chan *conn, 8),
		done:      make(chan struct{}),
	}
	t.listeners[name] = l
	return l, nil
}

type acceptor struct {
	transport *Transport
	name      string
	pending   chan *conn
	done      chan struct{}
	closeOnce sync.Once
}

func (l *acceptor) Accept() (transport.Conn, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-l.done:
		return nil, api.ErrClosed
	}
}

func (l *acceptor) Close() error {
	l.closeOnce.Do(func() {
		l.transport.mu.Lock()
		delete(l.transport.listeners, l.name)
		l.transport.mu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *acceptor) Addr() string { return "inproc://" + l.name }

// conn is one direction pair of an in-process connection.
type conn struct {
	send chan<- *message.Message
	recv <-chan *message.Message
	done chan struct{}

	peerDone  <-chan struct{}
	closeOnce sync.Once
}

func newConnPair() (*conn, *conn) {
	ab := make(chan *message.Message, connDepth)
	ba := make(chan *message.Message, connDepth)
	da := make(chan struct{})
	db := make(chan struct{})
	a := &conn{send: ab, recv: ba, done: da, peerDone: db}
	b := &conn{send: ba, recv: ab, done: db, peerDone: da}
	return a, b
}

func (c *conn) Send(m *message.Message) error {
	select {
	case c.send <- m:
		return nil
	case <-c.done:
		return api.ErrConnClosed
	case <-c.peerDone:
		return api.ErrConnClosed
	}
}

func (c *conn) Recv() (*message.Message, error) {
	select {
	case m := <-c.recv:
		return m, nil
	case <-c.done:
		return nil, api.ErrConnClosed
	case <-c.peerDone:
		// Drain what the peer sent before it went away.
		select {
		case m := <-c.recv:
			return m, nil
		default:
			return nil, api.ErrConnClosed
		}
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
