// File: transport/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message framing over byte streams. Each message travels as a 4-byte
// big-endian total length followed by the message image (header length
// prefix, header, body). Shared by the stream transports.

package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/momentics/hioload-sp/api"
	"github.com/momentics/hioload-sp/core/message"
)

// StreamConn frames messages over any reliable byte stream.
type StreamConn struct {
	wmu     sync.Mutex
	rmu     sync.Mutex
	rwc     io.ReadWriteCloser
	maxRecv int

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps an established stream. maxRecv of zero disables
// the inbound size check.
func NewStreamConn(rwc io.ReadWriteCloser, cfg Config) *StreamConn {
	return &StreamConn{rwc: rwc, maxRecv: cfg.MaxRecvSize}
}

func (c *StreamConn) Send(m *message.Message) error {
	image := m.Encode()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(image)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.rwc.Write(hdr[:]); err != nil {
		return mapStreamErr(err)
	}
	if _, err := c.rwc.Write(image); err != nil {
		return mapStreamErr(err)
	}
	return nil
}

func (c *StreamConn) Recv() (*message.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(c.rwc, hdr[:]); err != nil {
		return nil, mapStreamErr(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if c.maxRecv > 0 && n > uint32(c.maxRecv) {
		// A peer announcing an oversized frame is either broken or
		// hostile. The stream is unrecoverable past this point.
		_ = c.Close()
		return nil, api.Wrap(api.ErrProtocolViolation, "inbound frame of %d bytes exceeds limit %d", n, c.maxRecv)
	}
	image := make([]byte, n)
	if _, err := io.ReadFull(c.rwc, image); err != nil {
		return nil, mapStreamErr(err)
	}
	return message.Decode(image)
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}

// mapStreamErr folds transport-level failures into the closed
// connection sentinel so protocol code sees one shape of wire loss.
func mapStreamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return api.ErrConnClosed
	}
	return api.Wrap(api.ErrConnClosed, "%v", err)
}
