// File: transport/ipc/ipc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IPC transport over Unix domain stream sockets. The address form is
// "ipc:///path/to/socket"; the path part is used verbatim.

package ipc

import (
	"errors"
	"io/fs"
	"net"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Scheme() string { return "ipc" }

func (t *Transport) Dial(addr string, cfg transport.Config) (transport.Conn, error) {
	_, path, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, api.Wrap(api.ErrConnClosed, "dial %s: %v", addr, err)
	}
	return transport.NewStreamConn(c, cfg), nil
}

func (t *Transport) Listen(addr string, cfg transport.Config) (transport.Acceptor, error) {
	_, path, err := transport.SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, api.Wrap(api.ErrBusy, "%s already bound", addr)
		}
		return nil, api.Wrap(api.ErrBadAddress, "listen %s: %v", addr, err)
	}
	return &acceptor{l: l, addr: addr, cfg: cfg}, nil
}

type acceptor struct {
	l    net.Listener
	addr string
	cfg  transport.Config
}

func (a *acceptor) Accept() (transport.Conn, error) {
	c, err := a.l.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, api.ErrClosed
		}
		return nil, api.Wrap(api.ErrConnClosed, "accept %s: %v", a.addr, err)
	}
	return transport.NewStreamConn(c, a.cfg), nil
}

func (a *acceptor) Close() error { return a.l.Close() }

func (a *acceptor) Addr() string { return a.addr }
