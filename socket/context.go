// File: socket/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context carries one independent conversation on a socket. Contexts
// never observe each other's state; a req socket can run many
// request/reply exchanges in parallel, one per context.

package socket

import (
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/aio"
	"github.com/momentics/hioload-sp/core/message"
	"github.com/momentics/hioload-sp/protocol"
)

type Context struct {
	s  *Socket
	pc protocol.Context
	id uint32
}

// ID is unique within the socket lifetime.
func (c *Context) ID() uint32 { return c.id }

// SendAio starts an asynchronous send. A nil return means the protocol
// accepted the operation and it will settle through the aio; a non-nil
// return is a synchronous rejection and the aio stays idle.
func (c *Context) SendAio(a *aio.Aio, m *message.Message) error {
	if err := a.BeginSend(m); err != nil {
		return err
	}
	c.s.track(a)
	if err := c.pc.Send(a, m); err != nil {
		a.Rollback()
		return err
	}
	return nil
}

// RecvAio starts an asynchronous receive.
func (c *Context) RecvAio(a *aio.Aio) error {
	if err := a.BeginRecv(); err != nil {
		return err
	}
	c.s.track(a)
	if err := c.pc.Recv(a); err != nil {
		a.Rollback()
		return err
	}
	return nil
}

func (c *Context) sendTimeout() time.Duration {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.sendTimeout
}

func (c *Context) recvTimeout() time.Duration {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.recvTimeout
}

// SendMsg sends synchronously. On nil return the socket owns the
// message; on timeout or cancellation ownership returns to the caller.
func (c *Context) SendMsg(m *message.Message) error {
	a := aio.New(nil)
	if d := c.sendTimeout(); d > 0 {
		a.SetTimeout(d)
	}
	if err := c.SendAio(a, m); err != nil {
		return err
	}
	a.Wait()
	return a.Result()
}

// RecvMsg receives synchronously.
func (c *Context) RecvMsg() (*message.Message, error) {
	a := aio.New(nil)
	if d := c.recvTimeout(); d > 0 {
		a.SetTimeout(d)
	}
	if err := c.RecvAio(a); err != nil {
		return nil, err
	}
	a.Wait()
	if err := a.Result(); err != nil {
		return nil, err
	}
	return a.Message(), nil
}

// Send is byte-slice sugar over SendMsg. The slice is copied.
func (c *Context) Send(data []byte) error {
	m, err := message.Alloc(0)
	if err != nil {
		return err
	}
	if err := m.Append(data); err != nil {
		return err
	}
	return c.SendMsg(m)
}

// Recv is byte-slice sugar over RecvMsg.
func (c *Context) Recv() ([]byte, error) {
	m, err := c.RecvMsg()
	if err != nil {
		return nil, err
	}
	return m.Body(), nil
}

// SetOption sets a context-scoped option such as a subscription.
func (c *Context) SetOption(name string, v any) error {
	return c.pc.SetOption(name, v)
}

func (c *Context) GetOption(name string) (any, error) {
	return c.pc.GetOption(name)
}

// Close cancels operations bound to the context. The socket default
// context cannot be closed separately.
func (c *Context) Close() error {
	if c == c.s.defCtx {
		return api.Wrap(api.ErrNotSupported, "default context lives as long as the socket")
	}
	return c.pc.Close()
}
