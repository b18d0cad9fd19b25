// File: transport/ipc/ipc_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !windows

package ipc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
	"github.com/momentics/hioload-sp/transport"
)

func TestDialListenRoundTrip(t *testing.T) {
	tr := New()
	addr := "ipc://" + filepath.Join(t.TempDir(), "pipe.sock")

	l, err := tr.Listen(addr, transport.Config{})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, addr, l.Addr())

	dialed, err := tr.Dial(addr, transport.Config{})
	require.NoError(t, err)
	defer dialed.Close()

	accepted, err := l.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := message.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, m.Append([]byte("over-ipc")))
	require.NoError(t, dialed.Send(m))

	got, err := accepted.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("over-ipc"), got.Body())
}

func TestDialMissingSocket(t *testing.T) {
	tr := New()
	_, err := tr.Dial("ipc://"+filepath.Join(t.TempDir(), "absent.sock"), transport.Config{})
	assert.ErrorIs(t, err, api.ErrConnClosed)
}

func TestAcceptAfterClose(t *testing.T) {
	tr := New()
	l, err := tr.Listen("ipc://"+filepath.Join(t.TempDir(), "c.sock"), transport.Config{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept()
	assert.ErrorIs(t, err, api.ErrClosed)
}
