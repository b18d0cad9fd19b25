// File: protocol/reqrep.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request/reply. Each request is stamped with an 8-byte big-endian
// identifier carried in the message header. A context enforces strict
// send-then-recv alternation; replies whose identifier matches no
// outstanding request are silently dropped. Unanswered requests are
// re-sent on a configurable interval and fail over to another pipe
// when the carrying pipe detaches.

package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

const defaultResendInterval = 60 * time.Second

// reqIDCounter seeds request identifiers process-wide so that sockets
// recreated quickly do not reuse recent identifiers.
var reqIDCounter atomic.Uint64

func init() {
	reqIDCounter.Store(uint64(time.Now().UnixNano()))
}

func nextReqID() uint64 {
	for {
		if id := reqIDCounter.Add(1); id != 0 {
			return id
		}
	}
}

type reqCtxState int

const (
	reqIdle      reqCtxState = iota
	reqAwaiting              // request outstanding, no reply yet
	reqHaveReply             // reply buffered, recv pending
)

type reqProto struct {
	mu      sync.Mutex
	sched   *aio.Scheduler
	pipes   pipeSet
	pending map[uint64]*reqCtx
	ctxs    map[*reqCtx]struct{}
	defCtx  *reqCtx
	resend  time.Duration
	closed  bool
}

type reqCtx struct {
	p        *reqProto
	state    reqCtxState
	id       uint64
	req      *message.Message // retained duplicate for resend
	reply    *message.Message
	rwait    waiterQ
	lastPipe uint32
	timer    *aio.Timer
	closed   bool
}

func newReq(sched *aio.Scheduler) *reqProto {
	p := &reqProto{
		sched:   sched,
		pending: make(map[uint64]*reqCtx),
		ctxs:    make(map[*reqCtx]struct{}),
		resend:  defaultResendInterval,
	}
	p.defCtx = p.newCtx()
	return p
}

func (p *reqProto) newCtx() *reqCtx {
	c := &reqCtx{p: p, rwait: newWaiterQ()}
	p.ctxs[c] = struct{}{}
	return c
}

func (p *reqProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Req, Peer: api.Rep, SelfName: "req", PeerName: "rep"}
}

func (p *reqProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	// Requests that never reached a pipe can go out now.
	for c := range p.ctxs {
		if c.state == reqAwaiting && c.lastPipe == 0 {
			p.dispatch(c)
		}
	}
	return nil
}

func (p *reqProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipes.remove(pipe)
	// Transparent failover: re-send outstanding requests that were
	// riding the lost pipe.
	for c := range p.ctxs {
		if c.state == reqAwaiting && c.lastPipe == pipe.ID() {
			c.lastPipe = 0
			p.dispatch(c)
		}
	}
}

// dispatch pushes a duplicate of the retained request to the next
// ready pipe. Caller holds p.mu.
func (p *reqProto) dispatch(c *reqCtx) {
	if c.req == nil {
		return
	}
	for _, pipe := range p.pipes.rotation() {
		if pipe.TrySend(c.req.Dup()) {
			c.lastPipe = pipe.ID()
			return
		}
	}
}

func (p *reqProto) scheduleResend(c *reqCtx, id uint64) {
	if p.resend <= 0 || p.sched == nil {
		return
	}
	c.timer = p.sched.Schedule(p.resend, func() { p.resendExpired(id) })
}

func (p *reqProto) resendExpired(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.pending[id]
	if !ok || p.closed || c.state != reqAwaiting {
		return
	}
	c.lastPipe = 0
	p.dispatch(c)
	p.scheduleResend(c, id)
}

func (c *reqCtx) Send(a *aio.Aio, m *message.Message) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.state != reqIdle {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "request outstanding, recv the reply first")
	}
	id := nextReqID()
	if err := m.HeaderAppendUint64(id); err != nil {
		p.mu.Unlock()
		return err
	}
	c.id = id
	c.req = m
	c.state = reqAwaiting
	c.lastPipe = 0
	p.pending[id] = c
	p.dispatch(c)
	p.scheduleResend(c, id)
	p.mu.Unlock()

	// The request is committed to the protocol: the send operation is
	// complete and retries are timer-driven from here on.
	a.Finish(nil, nil)
	return nil
}

func (c *reqCtx) Recv(a *aio.Aio) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.state == reqIdle {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "no outstanding request")
	}
	if c.state == reqHaveReply {
		m := c.reply
		c.reply = nil
		c.finishExchange()
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

func (c *reqCtx) cancelRecv(a *aio.Aio) bool {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.rwait.remove(a)
}

// finishExchange resets the context after a reply was consumed.
// Caller holds p.mu.
func (c *reqCtx) finishExchange() {
	c.state = reqIdle
	c.id = 0
	c.req = nil
	c.lastPipe = 0
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
}

func (c *reqCtx) SetOption(name string, v any) error {
	return api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *reqCtx) GetOption(name string) (any, error) {
	return nil, api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *reqCtx) Close() error {
	p := c.p
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(p.ctxs, c)
	if c.id != 0 {
		delete(p.pending, c.id)
	}
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	c.req = nil
	c.reply = nil
	var parked []*aio.Aio
	c.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	return nil
}

func (p *reqProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	id, err := m.HeaderTrimUint64()
	if err != nil {
		// Malformed reply, drop.
		p.mu.Unlock()
		return true
	}
	c, ok := p.pending[id]
	if !ok {
		// Unmatched reply: ID already satisfied, context closed, or a
		// stale retransmission. Dropped by design.
		p.mu.Unlock()
		return true
	}
	delete(p.pending, id)
	if w := c.rwait.pop(); w != nil {
		c.finishExchange()
		p.mu.Unlock()
		w.Finish(m, nil)
		return true
	}
	c.reply = m
	c.state = reqHaveReply
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	p.mu.Unlock()
	return true
}

func (p *reqProto) PipeWritable(pipe Pipe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for c := range p.ctxs {
		if c.state == reqAwaiting && c.lastPipe == 0 {
			p.dispatch(c)
		}
	}
}

func (p *reqProto) OpenContext() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.ErrClosed
	}
	return p.newCtx(), nil
}

func (p *reqProto) DefaultContext() Context { return p.defCtx }

func (p *reqProto) SetOption(name string, v any) error {
	switch name {
	case api.OptResendInterval:
		d, err := optDuration(v)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.resend = d
		p.mu.Unlock()
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *reqProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptResendInterval:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.resend, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *reqProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ctxs := make([]*reqCtx, 0, len(p.ctxs))
	for c := range p.ctxs {
		ctxs = append(ctxs, c)
	}
	p.mu.Unlock()
	for _, c := range ctxs {
		_ = c.Close()
	}
	return nil
}

// --- rep ---

type repProto struct {
	mu     sync.Mutex
	room   *sync.Cond
	pipes  pipeSet
	reqQ   msgQ
	rwait  waiterQ
	rmap   map[*aio.Aio]*repCtx
	swait  waiterQ
	smap   map[*aio.Aio]uint32
	ctxs   map[*repCtx]struct{}
	defCtx *repCtx
	closed bool
}

type repCtx struct {
	p           *repProto
	haveRequest bool
	btID        uint64
	btPipe      uint32
	closed      bool
}

func newRep() *repProto {
	p := &repProto{
		reqQ:  newMsgQ(defaultRecvDepth),
		rwait: newWaiterQ(),
		rmap:  make(map[*aio.Aio]*repCtx),
		swait: newWaiterQ(),
		smap:  make(map[*aio.Aio]uint32),
		ctxs:  make(map[*repCtx]struct{}),
	}
	p.room = sync.NewCond(&p.mu)
	p.defCtx = p.newCtx()
	return p
}

func (p *repProto) newCtx() *repCtx {
	c := &repCtx{p: p}
	p.ctxs[c] = struct{}{}
	return c
}

func (p *repProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Rep, Peer: api.Req, SelfName: "rep", PeerName: "req"}
}

func (p *repProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *repProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	// Replies already bound to the lost pipe are undeliverable; the
	// requester recovers by retrying, so they complete as discarded.
	var orphaned []*aio.Aio
	n := p.swait.len()
	for i := 0; i < n; i++ {
		a := p.swait.pop()
		if p.smap[a] == pipe.ID() {
			delete(p.smap, a)
			orphaned = append(orphaned, a)
			continue
		}
		p.swait.push(a)
	}
	p.mu.Unlock()
	for _, a := range orphaned {
		a.Finish(nil, nil)
	}
}

// deliverLocked hands a queued request to a waiting context, stamping
// the backtrace. Caller holds p.mu; returns the settled aio and
// message to finish outside the lock.
func (p *repProto) deliverLocked(c *repCtx, m *message.Message) (*message.Message, bool) {
	id, err := m.HeaderTrimUint64()
	if err != nil {
		return nil, false // malformed request, drop
	}
	c.btID = id
	c.btPipe = m.PipeID()
	c.haveRequest = true
	return m, true
}

func (c *repCtx) Recv(a *aio.Aio) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.haveRequest {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "previous request awaits its reply")
	}
	for {
		m := p.reqQ.pop()
		if m == nil {
			break
		}
		p.room.Signal()
		if got, ok := p.deliverLocked(c, m); ok {
			p.mu.Unlock()
			a.Finish(got, nil)
			return nil
		}
	}
	p.rwait.push(a)
	p.rmap[a] = c
	if err := a.SetCancel(p.cancelRecv); err != nil {
		p.rwait.remove(a)
		delete(p.rmap, a)
		p.mu.Unlock()
		a.Finish(nil, err)
		return nil
	}
	p.mu.Unlock()
	return nil
}

func (p *repProto) cancelRecv(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rwait.remove(a) {
		delete(p.rmap, a)
		return true
	}
	return false
}

func (c *repCtx) Send(a *aio.Aio, m *message.Message) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if !c.haveRequest {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "no request to reply to")
	}
	if err := m.HeaderAppendUint64(c.btID); err != nil {
		p.mu.Unlock()
		return err
	}
	pipeID := c.btPipe
	c.haveRequest = false
	c.btID = 0
	c.btPipe = 0

	pipe := p.pipes.get(pipeID)
	if pipe == nil {
		// Requester is gone; the reply is silently discarded.
		p.mu.Unlock()
		a.Finish(nil, nil)
		return nil
	}
	if pipe.TrySend(m) {
		p.mu.Unlock()
		a.Finish(nil, nil)
		return nil
	}
	p.swait.push(a)
	p.smap[a] = pipeID
	if err := a.SetCancel(p.cancelSend); err != nil {
		p.swait.remove(a)
		delete(p.smap, a)
		p.mu.Unlock()
		a.Finish(a.Message(), err)
		return nil
	}
	p.mu.Unlock()
	return nil
}

func (p *repProto) cancelSend(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.swait.remove(a) {
		delete(p.smap, a)
		return true
	}
	return false
}

func (c *repCtx) SetOption(name string, v any) error {
	return api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *repCtx) GetOption(name string) (any, error) {
	return nil, api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *repCtx) Close() error {
	p := c.p
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	c.haveRequest = false
	delete(p.ctxs, c)
	var parked []*aio.Aio
	n := p.rwait.len()
	for i := 0; i < n; i++ {
		a := p.rwait.pop()
		if p.rmap[a] == c {
			delete(p.rmap, a)
			parked = append(parked, a)
			continue
		}
		p.rwait.push(a)
	}
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	return nil
}

func (p *repProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return false
		}
		if w := p.rwait.pop(); w != nil {
			c := p.rmap[w]
			delete(p.rmap, w)
			if got, ok := p.deliverLocked(c, m); ok {
				p.mu.Unlock()
				w.Finish(got, nil)
				return true
			}
			// Malformed request: the waiter goes back, message drops.
			p.rwait.pushFront(w)
			p.rmap[w] = c
			p.mu.Unlock()
			return true
		}
		if p.reqQ.push(m) {
			p.mu.Unlock()
			return true
		}
		p.room.Wait()
	}
}

func (p *repProto) PipeWritable(pipe Pipe) {
	p.mu.Lock()
	var done []*aio.Aio
	n := p.swait.len()
	for i := 0; i < n; i++ {
		a := p.swait.pop()
		if p.smap[a] != pipe.ID() {
			p.swait.push(a)
			continue
		}
		if pipe.TrySend(a.Message()) {
			delete(p.smap, a)
			done = append(done, a)
			continue
		}
		p.swait.push(a)
	}
	p.mu.Unlock()
	for _, a := range done {
		a.Finish(nil, nil)
	}
}

func (p *repProto) OpenContext() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.ErrClosed
	}
	return p.newCtx(), nil
}

func (p *repProto) DefaultContext() Context { return p.defCtx }

func (p *repProto) SetOption(name string, v any) error {
	switch name {
	case api.OptRecvBufDepth:
		n, err := optInt(v, 1, maxQueueDepth)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.reqQ.depth = n
		p.mu.Unlock()
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *repProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.reqQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *repProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var parked []*aio.Aio
	p.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.swait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.rmap = map[*aio.Aio]*repCtx{}
	p.smap = map[*aio.Aio]uint32{}
	p.reqQ.drain(func(*message.Message) {})
	p.room.Broadcast()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(a.Message(), api.ErrClosed)
	}
	return nil
}
