// File: socket/dialer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dialer keeps one outgoing address connected. The first attempt is
// synchronous so misconfiguration surfaces at the call site; afterwards
// a goroutine redials with exponential backoff whenever the pipe drops,
// resetting the backoff on success.

package socket

import (
	"sync"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/transport"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

type Dialer struct {
	s    *Socket
	t    transport.Transport
	addr string
	cfg  transport.Config

	minBackoff time.Duration
	maxBackoff time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects the socket to a remote address. The returned dialer
// keeps reconnecting until the dialer or the socket closes.
func (s *Socket) Dial(addr string) (*Dialer, error) {
	t, err := s.reg.Lookup(addr)
	if err != nil {
		return nil, api.Wrap(api.ErrBadAddress, "%q: %v", addr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, api.ErrClosed
	}
	d := &Dialer{
		s:          s,
		t:          t,
		addr:       addr,
		cfg:        transport.Config{MaxRecvSize: s.maxRecvSize},
		minBackoff: s.reconnMin,
		maxBackoff: s.reconnMax,
		done:       make(chan struct{}),
	}
	s.dialers = append(s.dialers, d)
	s.mu.Unlock()

	conn, err := t.Dial(addr, d.cfg)
	if err != nil {
		s.dropDialer(d)
		return nil, err
	}
	p, err := s.addPipe(conn)
	if err != nil {
		s.dropDialer(d)
		return nil, err
	}
	d.wg.Add(1)
	go d.run(p)
	return d, nil
}

func (s *Socket) dropDialer(d *Dialer) {
	s.mu.Lock()
	for i, x := range s.dialers {
		if x == d {
			s.dialers = append(s.dialers[:i], s.dialers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (d *Dialer) Addr() string { return d.addr }

// run owns the reconnect loop. current is the live pipe, nil while
// disconnected.
func (d *Dialer) run(current *pipe) {
	defer d.wg.Done()
	backoff := d.minBackoff
	for {
		if current != nil {
			select {
			case <-current.done:
				current = nil
				d.s.log.Debug("dialer lost pipe", "addr", d.addr)
			case <-d.done:
				return
			}
			continue
		}

		select {
		case <-time.After(backoff):
		case <-d.done:
			return
		}
		conn, err := d.t.Dial(d.addr, d.cfg)
		if err != nil {
			d.s.log.Debug("redial failed", "addr", d.addr, "backoff", backoff, "err", err)
			backoff = min(backoff*2, d.maxBackoff)
			continue
		}
		p, err := d.s.addPipe(conn)
		if err != nil {
			backoff = min(backoff*2, d.maxBackoff)
			continue
		}
		backoff = d.minBackoff
		current = p
	}
}

// Close stops reconnecting. The current pipe, if any, stays attached
// until its connection drops or the socket closes.
func (d *Dialer) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}
