// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket glues one protocol state machine to any number of transport
// endpoints. All messaging flows through aios; the synchronous
// SendMsg/RecvMsg calls are wrappers over an internal aio honoring the
// timeout options.

package socket

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
	"github.com/momentics/hioload-sp/protocol"
	"github.com/momentics/hioload-sp/transport"
)

const (
	defaultSendDepth  = 128
	aioPruneWatermark = 64
)

var socketIDCounter atomic.Uint32

// Socket is a messaging endpoint speaking one protocol pattern.
type Socket struct {
	id    uint32
	proto protocol.Protocol
	sched *aio.Scheduler
	reg   *transport.Registry
	log   *slog.Logger

	mu          sync.Mutex
	name        string
	pipes       map[uint32]*pipe
	dialers     []*Dialer
	listeners   []*Listener
	sendTimeout time.Duration
	recvTimeout time.Duration
	reconnMin   time.Duration
	reconnMax   time.Duration
	sendDepth   int
	maxRecvSize int
	nextPipeID  uint32
	nextCtxID   uint32
	closed      bool

	aioMu sync.Mutex
	aios  map[*aio.Aio]struct{}

	defCtx *Context
}

// Open creates a socket for the given protocol. Unknown protocol IDs
// fail with ErrNotSupported.
func Open(id api.ProtocolID, opts ...Option) (*Socket, error) {
	sched := aio.NewScheduler()
	proto, err := protocol.New(id, sched)
	if err != nil {
		sched.Close()
		return nil, err
	}
	s := &Socket{
		id:          socketIDCounter.Add(1),
		proto:       proto,
		sched:       sched,
		reg:         defaultRegistry(),
		name:        uuid.NewString(),
		pipes:       make(map[uint32]*pipe),
		reconnMin:   defaultMinBackoff,
		reconnMax:   defaultMaxBackoff,
		sendDepth:   defaultSendDepth,
		maxRecvSize: transport.DefaultMaxRecvSize,
		aios:        make(map[*aio.Aio]struct{}),
	}
	s.log = slog.Default().With("socket", s.id, "protocol", proto.Info().SelfName)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			proto.Close()
			sched.Close()
			return nil, err
		}
	}
	s.defCtx = &Context{s: s, pc: proto.DefaultContext(), id: s.ctxID()}
	return s, nil
}

// ID returns the process-unique positive socket identifier.
func (s *Socket) ID() uint32 { return s.id }

// Name returns the socket name, a fresh UUID unless overridden through
// the socket-name option.
func (s *Socket) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Info describes the protocol this socket speaks.
func (s *Socket) Info() api.ProtocolInfo { return s.proto.Info() }

func (s *Socket) ctxID() uint32 {
	return atomic.AddUint32(&s.nextCtxID, 1)
}

// OpenContext opens an independent conversation context. Protocols
// without per-context state fail with ErrNotSupported.
func (s *Socket) OpenContext() (*Context, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, api.ErrClosed
	}
	s.mu.Unlock()
	pc, err := s.proto.OpenContext()
	if err != nil {
		return nil, err
	}
	return &Context{s: s, pc: pc, id: s.ctxID()}, nil
}

// SendAio starts an asynchronous send on the default context. The
// error return covers synchronous rejection only; once it is nil the
// operation settles through the aio.
func (s *Socket) SendAio(a *aio.Aio, m *message.Message) error {
	return s.defCtx.SendAio(a, m)
}

// RecvAio starts an asynchronous receive on the default context.
func (s *Socket) RecvAio(a *aio.Aio) error {
	return s.defCtx.RecvAio(a)
}

// SendMsg sends synchronously, honoring the send-timeout option. On
// nil return the socket owns the message.
func (s *Socket) SendMsg(m *message.Message) error {
	return s.defCtx.SendMsg(m)
}

// RecvMsg receives synchronously, honoring the recv-timeout option.
func (s *Socket) RecvMsg() (*message.Message, error) {
	return s.defCtx.RecvMsg()
}

// Send is byte-slice sugar over SendMsg. The slice is copied.
func (s *Socket) Send(data []byte) error {
	return s.defCtx.Send(data)
}

// Recv is byte-slice sugar over RecvMsg.
func (s *Socket) Recv() ([]byte, error) {
	return s.defCtx.Recv()
}

// track registers an aio so Close can wait for it to settle. Settled
// entries are pruned once the set grows past a watermark.
func (s *Socket) track(a *aio.Aio) {
	s.aioMu.Lock()
	if len(s.aios) > aioPruneWatermark {
		for old := range s.aios {
			if !old.Busy() {
				delete(s.aios, old)
			}
		}
	}
	s.aios[a] = struct{}{}
	s.aioMu.Unlock()
}

// addPipe wires an established connection into the protocol. The pipe
// owns the connection from here on.
func (s *Socket) addPipe(conn transport.Conn) (*pipe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, api.ErrClosed
	}
	s.nextPipeID++
	p := newPipe(s, s.nextPipeID, conn, s.sendDepth)
	s.pipes[p.id] = p
	s.mu.Unlock()

	if err := s.proto.AttachPipe(p); err != nil {
		s.mu.Lock()
		delete(s.pipes, p.id)
		s.mu.Unlock()
		conn.Close()
		s.log.Debug("pipe rejected by protocol", "pipe", p.id, "err", err)
		return nil, err
	}
	p.start()
	s.log.Debug("pipe attached", "pipe", p.id)
	return p, nil
}

// removePipe is called by the pipe itself once its connection dies.
func (s *Socket) removePipe(p *pipe) {
	s.mu.Lock()
	_, known := s.pipes[p.id]
	delete(s.pipes, p.id)
	s.mu.Unlock()
	if known {
		s.proto.DetachPipe(p)
		s.log.Debug("pipe detached", "pipe", p.id)
	}
}

// Close tears the socket down: endpoints stop, pipes drop, and every
// operation bound to the socket settles before Close returns.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dialers := s.dialers
	listeners := s.listeners
	pipes := make([]*pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		pipes = append(pipes, p)
	}
	s.dialers = nil
	s.listeners = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, d := range dialers {
		g.Go(d.Close)
	}
	for _, l := range listeners {
		g.Go(l.Close)
	}
	for _, p := range pipes {
		p := p
		g.Go(func() error { p.close(); return nil })
	}
	_ = g.Wait()

	// Protocol close fails every parked operation; waiting on the
	// tracked aios afterwards guarantees their callbacks have returned.
	err := s.proto.Close()

	s.aioMu.Lock()
	aios := make([]*aio.Aio, 0, len(s.aios))
	for a := range s.aios {
		aios = append(aios, a)
	}
	s.aios = map[*aio.Aio]struct{}{}
	s.aioMu.Unlock()
	for _, a := range aios {
		a.Wait()
	}

	s.sched.Close()
	s.log.Debug("socket closed")
	return err
}
