// File: transport/stream_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
)

func streamPair(t *testing.T, cfg Config) (*StreamConn, *StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	ca := NewStreamConn(a, cfg)
	cb := NewStreamConn(b, cfg)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func mkMsg(t *testing.T, header, body []byte) *message.Message {
	t.Helper()
	m, err := message.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, m.HeaderAppend(header))
	require.NoError(t, m.Append(body))
	return m
}

func TestStreamRoundTrip(t *testing.T) {
	a, b := streamPair(t, Config{})

	go func() {
		_ = a.Send(mkMsg(t, []byte{1, 2}, []byte("payload")))
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got.Header())
	assert.Equal(t, []byte("payload"), got.Body())
}

func TestStreamEmptyMessage(t *testing.T) {
	a, b := streamPair(t, Config{})

	go func() {
		m, _ := message.Alloc(0)
		_ = a.Send(m)
	}()

	got, err := b.Recv()
	require.NoError(t, err)
	assert.Empty(t, got.Header())
	assert.Empty(t, got.Body())
}

func TestStreamRecvSizeLimit(t *testing.T) {
	a, b := streamPair(t, Config{MaxRecvSize: 8})

	go func() {
		_ = a.Send(mkMsg(t, nil, make([]byte, 64)))
	}()

	_, err := b.Recv()
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestStreamClosedPeer(t *testing.T) {
	a, b := streamPair(t, Config{})
	require.NoError(t, a.Close())

	_, err := b.Recv()
	assert.ErrorIs(t, err, api.ErrConnClosed)
}

func TestSplitAddr(t *testing.T) {
	scheme, rest, err := SplitAddr("tcp://127.0.0.1:5555")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, "127.0.0.1:5555", rest)

	for _, bad := range []string{"", "tcp", "tcp://", "://x"} {
		_, _, err := SplitAddr(bad)
		assert.ErrorIs(t, err, api.ErrBadAddress, "addr %q", bad)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("tcp://127.0.0.1:0")
	assert.ErrorIs(t, err, api.ErrNotSupported)
}
