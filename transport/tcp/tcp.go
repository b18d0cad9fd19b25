// File: transport/tcp/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP transport. Connections are tuned for messaging workloads: Nagle
// off, keep-alive probing on, and on Linux a tightened keep-alive
// schedule through raw socket options.

package tcp

import (
	"errors"
	"net"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/transport"
)

const keepAlivePeriod = 30 * time.Second

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Scheme() string { return "tcp" }

func (t *Transport) Dial(addr string, cfg transport.Config) (transport.Conn, error) {
	_, host, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	c, err := net.Dial("tcp", host)
	if err != nil {
		return nil, api.Wrap(api.ErrConnClosed, "dial %s: %v", addr, err)
	}
	tuneConn(c)
	return transport.NewStreamConn(c, cfg), nil
}

func (t *Transport) Listen(addr string, cfg transport.Config) (transport.Acceptor, error) {
	_, host, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", host)
	if err != nil {
		return nil, api.Wrap(api.ErrBadAddress, "listen %s: %v", addr, err)
	}
	return &acceptor{l: l, cfg: cfg}, nil
}

type acceptor struct {
	l   net.Listener
	cfg transport.Config
}

func (a *acceptor) Accept() (transport.Conn, error) {
	c, err := a.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, api.ErrClosed
		}
		return nil, api.Wrap(api.ErrConnClosed, "accept: %v", err)
	}
	tuneConn(c)
	return transport.NewStreamConn(c, a.cfg), nil
}

func (a *acceptor) Close() error { return a.l.Close() }

func (a *acceptor) Addr() string { return "tcp://" + a.l.Addr().String() }

func tuneConn(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	tuneKeepAlive(tc)
}
