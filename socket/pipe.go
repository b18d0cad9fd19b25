// File: socket/pipe.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pipe binds one transport connection to the protocol. A bounded send
// queue decouples protocol readiness probing from wire latency: a
// TrySend that lands in the queue is the point of no return, the
// writer goroutine carries it out from there.

package socket

import (
	"sync"

	"github.com/momentics/hioload-sp/core/message"
	"github.com/momentics/hioload-sp/transport"
)

type pipe struct {
	id   uint32
	s    *Socket
	conn transport.Conn

	sendQ chan *message.Message
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPipe(s *Socket, id uint32, conn transport.Conn, depth int) *pipe {
	return &pipe{
		id:    id,
		s:     s,
		conn:  conn,
		sendQ: make(chan *message.Message, depth),
		done:  make(chan struct{}),
	}
}

func (p *pipe) ID() uint32 { return p.id }

// TrySend enqueues without blocking. False means the pipe is not ready
// and the caller keeps ownership of the message.
func (p *pipe) TrySend(m *message.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendQ <- m:
		return true
	default:
		return false
	}
}

func (p *pipe) start() {
	p.wg.Add(2)
	go p.writer()
	go p.reader()
}

func (p *pipe) writer() {
	defer p.wg.Done()
	for {
		select {
		case m := <-p.sendQ:
			if err := p.conn.Send(m); err != nil {
				p.close()
				return
			}
			// Queue space freed; parked senders may proceed.
			p.s.proto.PipeWritable(p)
		case <-p.done:
			return
		}
	}
}

func (p *pipe) reader() {
	defer p.wg.Done()
	for {
		m, err := p.conn.Recv()
		if err != nil {
			p.close()
			return
		}
		m.SetPipeID(p.id)
		if !p.s.proto.PipeRecv(p, m) {
			p.close()
			return
		}
	}
}

// close is idempotent and safe from any goroutine, including the
// pipe's own reader and writer.
func (p *pipe) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
		go p.s.removePipe(p)
	})
}

// Close implements protocol.Pipe; protocols call it to drop a peer.
func (p *pipe) Close() { p.close() }
