// File: socket/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"sync"

	"github.com/momentics/hioload-sp/transport"
	"github.com/momentics/hioload-sp/transport/inproc"
	"github.com/momentics/hioload-sp/transport/ipc"
	"github.com/momentics/hioload-sp/transport/tcp"
)

var (
	registryOnce sync.Once
	registry     *transport.Registry
)

// defaultRegistry builds the process-wide transport registry once. All
// sockets share it unless WithRegistry overrides; in particular they
// share one inproc namespace.
func defaultRegistry() *transport.Registry {
	registryOnce.Do(func() {
		registry = transport.NewRegistry()
		registry.Register(inproc.New())
		registry.Register(ipc.New())
		registry.Register(tcp.New())
	})
	return registry
}

// NewRegistry returns a registry with the built-in transports, but an
// inproc namespace of its own.
func NewRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(inproc.New())
	r.Register(ipc.New())
	r.Register(tcp.New())
	return r
}
