// File: socket/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket construction options and the runtime option surface. Options
// the socket does not own are forwarded to the protocol, which
// validates them against its own fixed enumeration.

package socket

import (
	"log/slog"
	"time"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/transport"
)

// Option customizes a socket at Open time.
type Option func(*Socket) error

// WithRegistry substitutes the transport registry, mainly so tests can
// use an isolated inproc namespace.
func WithRegistry(r *transport.Registry) Option {
	return func(s *Socket) error {
		if r == nil {
			return api.Wrap(api.ErrBadValue, "nil registry")
		}
		s.reg = r
		return nil
	}
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Socket) error {
		if l == nil {
			return api.Wrap(api.ErrBadValue, "nil logger")
		}
		s.log = l.With("socket", s.id, "protocol", s.proto.Info().SelfName)
		return nil
	}
}

// WithOption applies a named option, same as calling SetOption after
// Open.
func WithOption(name string, v any) Option {
	return func(s *Socket) error {
		return s.SetOption(name, v)
	}
}

// SetOption sets a socket or protocol option by name. Unknown names
// fail with ErrBadOption, value type mismatches with ErrBadValue.
func (s *Socket) SetOption(name string, v any) error {
	switch name {
	case api.OptSendTimeout:
		return s.setDuration(&s.sendTimeout, v)
	case api.OptRecvTimeout:
		return s.setDuration(&s.recvTimeout, v)
	case api.OptReconnMinBackoff:
		return s.setDuration(&s.reconnMin, v)
	case api.OptReconnMaxBackoff:
		return s.setDuration(&s.reconnMax, v)
	case api.OptSendBufDepth:
		n, ok := v.(int)
		if !ok || n < 1 {
			return api.Wrap(api.ErrBadValue, "%s wants a positive int", name)
		}
		s.mu.Lock()
		s.sendDepth = n
		s.mu.Unlock()
		return nil
	case api.OptRecvMaxSize:
		n, ok := v.(int)
		if !ok || n < 0 {
			return api.Wrap(api.ErrBadValue, "%s wants a non-negative int", name)
		}
		s.mu.Lock()
		s.maxRecvSize = n
		s.mu.Unlock()
		return nil
	case api.OptSockName:
		str, ok := v.(string)
		if !ok {
			return api.Wrap(api.ErrBadValue, "%s wants a string", name)
		}
		s.mu.Lock()
		s.name = str
		s.mu.Unlock()
		return nil
	default:
		return s.proto.SetOption(name, v)
	}
}

func (s *Socket) setDuration(field *time.Duration, v any) error {
	d, ok := v.(time.Duration)
	if !ok {
		return api.Wrap(api.ErrBadValue, "want a time.Duration")
	}
	s.mu.Lock()
	*field = d
	s.mu.Unlock()
	return nil
}

// GetOption reads a socket or protocol option by name.
func (s *Socket) GetOption(name string) (any, error) {
	s.mu.Lock()
	switch name {
	case api.OptSendTimeout:
		defer s.mu.Unlock()
		return s.sendTimeout, nil
	case api.OptRecvTimeout:
		defer s.mu.Unlock()
		return s.recvTimeout, nil
	case api.OptReconnMinBackoff:
		defer s.mu.Unlock()
		return s.reconnMin, nil
	case api.OptReconnMaxBackoff:
		defer s.mu.Unlock()
		return s.reconnMax, nil
	case api.OptSendBufDepth:
		defer s.mu.Unlock()
		return s.sendDepth, nil
	case api.OptRecvMaxSize:
		defer s.mu.Unlock()
		return s.maxRecvSize, nil
	case api.OptSockName:
		defer s.mu.Unlock()
		return s.name, nil
	}
	s.mu.Unlock()
	return s.proto.GetOption(name)
}
