// File: protocol/survey.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Surveyor/respondent. A survey broadcasts a question to every peer
// and collects replies until a deadline. The survey header carries an
// 8-byte big-endian survey identifier followed by a 4-byte big-endian
// hop counter. Replies arriving after the deadline, or carrying an
// identifier that does not match the active survey, are discarded.

package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
)

const (
	defaultSurveyTime     = time.Second
	defaultMaxTTL         = 8
	defaultMaxOutstanding = 128
)

var surveyIDCounter atomic.Uint64

func init() {
	surveyIDCounter.Store(uint64(time.Now().UnixNano()) | 1)
}

func nextSurveyID() uint64 {
	for {
		if id := surveyIDCounter.Add(1); id != 0 {
			return id
		}
	}
}

type surveyorProto struct {
	mu         sync.Mutex
	sched      *aio.Scheduler
	pipes      pipeSet
	active     map[uint64]*surveyorCtx
	ctxs       map[*surveyorCtx]struct{}
	defCtx     *surveyorCtx
	surveyTime time.Duration
	maxTTL     int
	maxActive  int
	closed     bool
}

type surveyorCtx struct {
	p      *surveyorProto
	id     uint64 // zero when no survey is active
	recvQ  msgQ
	rwait  waiterQ
	timer  *aio.Timer
	closed bool
}

func newSurveyor(sched *aio.Scheduler) *surveyorProto {
	p := &surveyorProto{
		sched:      sched,
		active:     make(map[uint64]*surveyorCtx),
		ctxs:       make(map[*surveyorCtx]struct{}),
		surveyTime: defaultSurveyTime,
		maxTTL:     defaultMaxTTL,
		maxActive:  defaultMaxOutstanding,
	}
	p.defCtx = p.newCtx()
	return p
}

func (p *surveyorProto) newCtx() *surveyorCtx {
	c := &surveyorCtx{
		p:     p,
		recvQ: newMsgQ(defaultRecvDepth),
		rwait: newWaiterQ(),
	}
	p.ctxs[c] = struct{}{}
	return c
}

func (p *surveyorProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Surveyor, Peer: api.Respondent, SelfName: "surveyor", PeerName: "respondent"}
}

func (p *surveyorProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *surveyorProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

// expireLocked ends a context's survey, discarding buffered replies.
// Caller holds p.mu and finishes the returned parked receivers
// outside the lock.
func (c *surveyorCtx) expireLocked() []*aio.Aio {
	if c.id != 0 {
		delete(c.p.active, c.id)
		c.id = 0
	}
	if c.timer != nil {
		c.timer.Cancel()
		c.timer = nil
	}
	c.recvQ.drain(func(*message.Message) {})
	var parked []*aio.Aio
	c.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	return parked
}

func (c *surveyorCtx) Send(a *aio.Aio, m *message.Message) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.id == 0 && len(p.active) >= p.maxActive {
		p.mu.Unlock()
		return api.Wrap(api.ErrBusy, "too many outstanding surveys")
	}
	// Starting a new survey implicitly cancels the previous one.
	expired := c.expireLocked()

	id := nextSurveyID()
	if err := m.HeaderAppendUint64(id); err != nil {
		p.mu.Unlock()
		for _, w := range expired {
			w.Finish(nil, api.ErrTimeout)
		}
		return err
	}
	if err := m.HeaderAppendUint32(uint32(p.maxTTL)); err != nil {
		p.mu.Unlock()
		for _, w := range expired {
			w.Finish(nil, api.ErrTimeout)
		}
		return err
	}
	c.id = id
	p.active[id] = c
	p.pipes.each(func(pipe Pipe) {
		pipe.TrySend(m.Dup())
	})
	if p.sched != nil && p.surveyTime > 0 {
		c.timer = p.sched.Schedule(p.surveyTime, func() { p.surveyExpired(id) })
	}
	p.mu.Unlock()

	for _, w := range expired {
		w.Finish(nil, api.ErrTimeout)
	}
	a.Finish(nil, nil)
	return nil
}

func (p *surveyorProto) surveyExpired(id uint64) {
	p.mu.Lock()
	c, ok := p.active[id]
	if !ok || p.closed {
		p.mu.Unlock()
		return
	}
	parked := c.expireLocked()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrTimeout)
	}
}

func (c *surveyorCtx) Recv(a *aio.Aio) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.id == 0 {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "no active survey")
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

func (c *surveyorCtx) cancelRecv(a *aio.Aio) bool {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.rwait.remove(a)
}

func (c *surveyorCtx) SetOption(name string, v any) error {
	switch name {
	case api.OptSurveyTime:
		d, err := optDuration(v)
		if err != nil {
			return err
		}
		c.p.mu.Lock()
		defer c.p.mu.Unlock()
		c.p.surveyTime = d
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (c *surveyorCtx) GetOption(name string) (any, error) {
	switch name {
	case api.OptSurveyTime:
		c.p.mu.Lock()
		defer c.p.mu.Unlock()
		return c.p.surveyTime, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (c *surveyorCtx) Close() error {
	p := c.p
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	delete(p.ctxs, c)
	parked := c.expireLocked()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	return nil
}

func (p *surveyorProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	id, err := m.HeaderTrimUint64()
	if err != nil {
		p.mu.Unlock()
		return true
	}
	if _, err := m.HeaderTrimUint32(); err != nil {
		p.mu.Unlock()
		return true
	}
	c, ok := p.active[id]
	if !ok {
		// Stale reply from an expired or superseded survey.
		p.mu.Unlock()
		return true
	}
	if w := c.rwait.pop(); w != nil {
		p.mu.Unlock()
		w.Finish(m, nil)
		return true
	}
	c.recvQ.push(m)
	p.mu.Unlock()
	return true
}

func (p *surveyorProto) PipeWritable(pipe Pipe) {}

func (p *surveyorProto) OpenContext() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.ErrClosed
	}
	return p.newCtx(), nil
}

func (p *surveyorProto) DefaultContext() Context { return p.defCtx }

func (p *surveyorProto) SetOption(name string, v any) error {
	switch name {
	case api.OptSurveyTime:
		return p.defCtx.SetOption(name, v)
	case api.OptMaxOutstandingSurveys:
		n, err := optInt(v, 1, maxQueueDepth)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.maxActive = n
		p.mu.Unlock()
		return nil
	case api.OptMaxTTL:
		n, err := optInt(v, 1, 255)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.maxTTL = n
		p.mu.Unlock()
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *surveyorProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptSurveyTime:
		return p.defCtx.GetOption(name)
	case api.OptMaxOutstandingSurveys:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.maxActive, nil
	case api.OptMaxTTL:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.maxTTL, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *surveyorProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ctxs := make([]*surveyorCtx, 0, len(p.ctxs))
	for c := range p.ctxs {
		ctxs = append(ctxs, c)
	}
	p.mu.Unlock()
	for _, c := range ctxs {
		_ = c.Close()
	}
	return nil
}

// --- respondent ---

type respondentProto struct {
	mu      sync.Mutex
	room    *sync.Cond
	pipes   pipeSet
	surveyQ msgQ
	rwait   waiterQ
	rmap    map[*aio.Aio]*respondentCtx
	ctxs    map[*respondentCtx]struct{}
	defCtx  *respondentCtx
	closed  bool
}

type respondentCtx struct {
	p          *respondentProto
	haveSurvey bool
	btID       uint64
	btHops     uint32
	btPipe     uint32
	closed     bool
}

func newRespondent() *respondentProto {
	p := &respondentProto{
		surveyQ: newMsgQ(defaultRecvDepth),
		rwait:   newWaiterQ(),
		rmap:    make(map[*aio.Aio]*respondentCtx),
		ctxs:    make(map[*respondentCtx]struct{}),
	}
	p.room = sync.NewCond(&p.mu)
	p.defCtx = p.newCtx()
	return p
}

func (p *respondentProto) newCtx() *respondentCtx {
	c := &respondentCtx{p: p}
	p.ctxs[c] = struct{}{}
	return c
}

func (p *respondentProto) Info() api.ProtocolInfo {
	return api.ProtocolInfo{Self: api.Respondent, Peer: api.Surveyor, SelfName: "respondent", PeerName: "surveyor"}
}

func (p *respondentProto) AttachPipe(pipe Pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrClosed
	}
	p.pipes.add(pipe)
	return nil
}

func (p *respondentProto) DetachPipe(pipe Pipe) {
	p.mu.Lock()
	p.pipes.remove(pipe)
	p.mu.Unlock()
}

// deliverLocked strips the survey header into the context backtrace.
// Caller holds p.mu.
func (p *respondentProto) deliverLocked(c *respondentCtx, m *message.Message) bool {
	id, err := m.HeaderTrimUint64()
	if err != nil {
		return false
	}
	hops, err := m.HeaderTrimUint32()
	if err != nil {
		return false
	}
	c.btID = id
	c.btHops = hops
	c.btPipe = m.PipeID()
	c.haveSurvey = true
	return true
}

func (c *respondentCtx) Recv(a *aio.Aio) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if c.haveSurvey {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "previous survey awaits its response")
	}
	for {
		m := p.surveyQ.pop()
		if m == nil {
			break
		}
		p.room.Signal()
		if p.deliverLocked(c, m) {
			p.mu.Unlock()
			a.Finish(m, nil)
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

func (p *respondentProto) cancelRecv(a *aio.Aio) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rwait.remove(a) {
		delete(p.rmap, a)
		return true
	}
	return false
}

func (c *respondentCtx) Send(a *aio.Aio, m *message.Message) error {
	p := c.p
	p.mu.Lock()
	if p.closed || c.closed {
		p.mu.Unlock()
		return api.ErrClosed
	}
	if !c.haveSurvey {
		p.mu.Unlock()
		return api.Wrap(api.ErrProtocolViolation, "no survey to respond to")
	}
	if err := m.HeaderAppendUint64(c.btID); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := m.HeaderAppendUint32(c.btHops); err != nil {
		p.mu.Unlock()
		return err
	}
	pipeID := c.btPipe
	c.haveSurvey = false
	c.btID = 0
	c.btHops = 0
	c.btPipe = 0

	// Responses are best effort: if the surveyor's pipe is gone or
	// congested the response is dropped. The surveyor tolerates
	// missing responses, the deadline covers them.
	if pipe := p.pipes.get(pipeID); pipe != nil {
		pipe.TrySend(m)
	}
	p.mu.Unlock()
	a.Finish(nil, nil)
	return nil
}

func (c *respondentCtx) SetOption(name string, v any) error {
	return api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *respondentCtx) GetOption(name string) (any, error) {
	return nil, api.Wrap(api.ErrBadOption, "%s", name)
}

func (c *respondentCtx) Close() error {
	p := c.p
	p.mu.Lock()
	if c.closed {
		p.mu.Unlock()
		return nil
	}
	c.closed = true
	c.haveSurvey = false
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

func (p *respondentProto) PipeRecv(pipe Pipe, m *message.Message) bool {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return false
		}
		if w := p.rwait.pop(); w != nil {
			c := p.rmap[w]
			delete(p.rmap, w)
			if p.deliverLocked(c, m) {
				p.mu.Unlock()
				w.Finish(m, nil)
				return true
			}
			p.rwait.pushFront(w)
			p.rmap[w] = c
			p.mu.Unlock()
			return true
		}
		if p.surveyQ.push(m) {
			p.mu.Unlock()
			return true
		}
		p.room.Wait()
	}
}

func (p *respondentProto) PipeWritable(pipe Pipe) {}

func (p *respondentProto) OpenContext() (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.ErrClosed
	}
	return p.newCtx(), nil
}

func (p *respondentProto) DefaultContext() Context { return p.defCtx }

func (p *respondentProto) SetOption(name string, v any) error {
	switch name {
	case api.OptRecvBufDepth:
		n, err := optInt(v, 1, maxQueueDepth)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.surveyQ.depth = n
		p.mu.Unlock()
		return nil
	default:
		return api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *respondentProto) GetOption(name string) (any, error) {
	switch name {
	case api.OptRecvBufDepth:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.surveyQ.depth, nil
	default:
		return nil, api.Wrap(api.ErrBadOption, "%s", name)
	}
}

func (p *respondentProto) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ctxs := make([]*respondentCtx, 0, len(p.ctxs))
	for c := range p.ctxs {
		ctxs = append(ctxs, c)
	}
	var parked []*aio.Aio
	p.rwait.drain(func(a *aio.Aio) { parked = append(parked, a) })
	p.rmap = map[*aio.Aio]*respondentCtx{}
	p.surveyQ.drain(func(*message.Message) {})
	p.room.Broadcast()
	p.mu.Unlock()
	for _, a := range parked {
		a.Finish(nil, api.ErrClosed)
	}
	for _, c := range ctxs {
		_ = c.Close()
	}
	return nil
}
