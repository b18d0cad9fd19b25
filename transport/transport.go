// File: transport/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transport abstraction. A transport binds a URL scheme to a way of
// producing message-oriented connections. Connections carry whole
// messages with ownership transfer: once Send returns nil the message
// belongs to the transport, and every message produced by Recv belongs
// to the caller.

package transport

import (
	"strings"
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
)

// DefaultMaxRecvSize bounds inbound messages unless overridden through
// the recv-max-size option. Zero disables the check.
const DefaultMaxRecvSize = 1 << 20

// Config carries per-endpoint tuning handed down from socket options.
type Config struct {
	// MaxRecvSize rejects inbound messages larger than this many
	// bytes. Zero means unlimited.
	MaxRecvSize int
}

// Conn is a single established connection carrying whole messages.
type Conn interface {
	// Send writes one message. On nil return the connection owns m.
	Send(m *message.Message) error

	// Recv reads one message. The caller owns the result.
	Recv() (*message.Message, error)

	// Close tears the connection down. Blocked Send and Recv calls
	// return api.ErrConnClosed.
	Close() error
}

// Acceptor produces inbound connections for a bound address.
type Acceptor interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Transport is a connection factory for one URL scheme.
type Transport interface {
	Scheme() string
	Dial(addr string, cfg Config) (Conn, error)
	Listen(addr string, cfg Config) (Acceptor, error)
}

// Registry maps URL schemes to transports.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]Transport
}

func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]Transport)}
}

func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	r.schemes[t.Scheme()] = t
	r.mu.Unlock()
}

// Lookup resolves the transport for a full address such as
// "tcp://127.0.0.1:5555".
func (r *Registry) Lookup(addr string) (Transport, error) {
	scheme, _, err := SplitAddr(addr)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	t, ok := r.schemes[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, api.Wrap(api.ErrNotSupported, "no transport for scheme %q", scheme)
	}
	return t, nil
}

// SplitAddr separates "scheme://rest" into its parts.
func SplitAddr(addr string) (scheme, rest string, err error) {
	i := strings.Index(addr, "://")
	if i <= 0 || i+3 >= len(addr) {
		return "", "", api.Wrap(api.ErrBadAddress, "%q", addr)
	}
	return addr[:i], addr[i+3:], nil
}
