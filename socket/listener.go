// File: socket/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener binds an address and feeds accepted connections to the
// socket until closed. Accept failures other than close are logged
// and retried; a bound listener never gives up on its own.

package socket

import (
	"errors"
	"sync"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/transport"
)

type Listener struct {
	s        *Socket
	acceptor transport.Acceptor

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the socket to a local address and starts accepting.
func (s *Socket) Listen(addr string) (*Listener, error) {
	t, err := s.reg.Lookup(addr)
	if err != nil {
		return nil, api.Wrap(api.ErrBadAddress, "%q: %v", addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, api.ErrClosed
	}
	cfg := transport.Config{MaxRecvSize: s.maxRecvSize}
	s.mu.Unlock()

	acceptor, err := t.Listen(addr, cfg)
	if err != nil {
		return nil, err
	}
	l := &Listener{s: s, acceptor: acceptor}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		acceptor.Close()
		return nil, api.ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Addr returns the bound address, which for tcp includes the port the
// kernel picked when the caller asked for port zero.
func (l *Listener) Addr() string { return l.acceptor.Addr() }

func (l *Listener) run() {
	defer l.wg.Done()
	for {
		conn, err := l.acceptor.Accept()
		if err != nil {
			if errors.Is(err, api.ErrClosed) {
				return
			}
			l.s.log.Debug("accept failed", "addr", l.Addr(), "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		// Attach may refuse (pair with a peer already); the pipe is
		// closed and the remote sees the connection drop.
		_, _ = l.s.addPipe(conn)
	}
}

// Close stops accepting. Established pipes are unaffected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.acceptor.Close()
		l.wg.Wait()
	})
	return err
}
