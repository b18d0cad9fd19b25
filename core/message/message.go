// File: core/message/message.go
// Package message implements the owned, resizable message buffer moved
// across every API boundary of the library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Message is split into a header region carrying protocol metadata
// (request identifiers, survey identifiers, hop counters) and an opaque
// body. A message has exactly one owner at any time: handing it to an
// asynchronous operation transfers ownership, completion or cancellation
// transfers it back. Duplication is always explicit via Dup.

package message

import (
	"encoding/binary"

	"github.com/momentics/hioload-sp/api"
)

// MaxAlloc bounds a single message allocation. Alloc and Append fail
// with api.ErrCapacity beyond this point instead of aborting the
// process.
const MaxAlloc = 1 << 30

// Message is an ordered byte sequence with a distinguishable header
// region. The zero value is not usable; construct with Alloc or Decode.
type Message struct {
	header []byte
	body   []byte

	// pipeID records the pipe the message arrived on. Local
	// bookkeeping only, never serialized.
	pipeID uint32

	sealed bool
}

// Alloc returns a message whose body is exactly n zero bytes.
func Alloc(n int) (*Message, error) {
	if n < 0 || n > MaxAlloc {
		return nil, api.Wrap(api.ErrCapacity, "alloc %d bytes", n)
	}
	return &Message{body: make([]byte, n)}, nil
}

// Body returns the body region. The slice aliases the message and is
// invalidated by any mutation.
func (m *Message) Body() []byte { return m.body }

// Header returns the header region.
func (m *Message) Header() []byte { return m.header }

// Len returns the body length in bytes.
func (m *Message) Len() int { return len(m.body) }

// Append grows the body by b. Growth is amortized doubling.
func (m *Message) Append(b []byte) error {
	if len(m.body)+len(b) > MaxAlloc {
		return api.Wrap(api.ErrCapacity, "append %d bytes", len(b))
	}
	m.body = grow(m.body, len(b))
	m.body = append(m.body, b...)
	return nil
}

// Insert prepends b to the body.
func (m *Message) Insert(b []byte) error {
	if len(m.body)+len(b) > MaxAlloc {
		return api.Wrap(api.ErrCapacity, "insert %d bytes", len(b))
	}
	next := make([]byte, 0, cap(m.body)+len(b))
	next = append(next, b...)
	m.body = append(next, m.body...)
	return nil
}

// Trim removes n bytes from the front of the body.
func (m *Message) Trim(n int) ([]byte, error) {
	if n < 0 || n > len(m.body) {
		return nil, api.Wrap(api.ErrBadValue, "trim %d of %d", n, len(m.body))
	}
	cut := m.body[:n]
	m.body = m.body[n:]
	return cut, nil
}

// Chop removes n bytes from the back of the body.
func (m *Message) Chop(n int) ([]byte, error) {
	if n < 0 || n > len(m.body) {
		return nil, api.Wrap(api.ErrBadValue, "chop %d of %d", n, len(m.body))
	}
	cut := m.body[len(m.body)-n:]
	m.body = m.body[:len(m.body)-n]
	return cut, nil
}

// AppendUint32 appends v to the body in big-endian order.
func (m *Message) AppendUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return m.Append(b[:])
}

// TrimUint32 removes and returns a big-endian uint32 from the body
// front.
func (m *Message) TrimUint32() (uint32, error) {
	b, err := m.Trim(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// HeaderAppend grows the header region by b.
func (m *Message) HeaderAppend(b []byte) error {
	if len(m.header)+len(b) > MaxAlloc {
		return api.Wrap(api.ErrCapacity, "header append %d bytes", len(b))
	}
	m.header = grow(m.header, len(b))
	m.header = append(m.header, b...)
	return nil
}

// HeaderInsert prepends b to the header region.
func (m *Message) HeaderInsert(b []byte) error {
	if len(m.header)+len(b) > MaxAlloc {
		return api.Wrap(api.ErrCapacity, "header insert %d bytes", len(b))
	}
	next := make([]byte, 0, cap(m.header)+len(b))
	next = append(next, b...)
	m.header = append(next, m.header...)
	return nil
}

// HeaderTrim removes n bytes from the front of the header.
func (m *Message) HeaderTrim(n int) ([]byte, error) {
	if n < 0 || n > len(m.header) {
		return nil, api.Wrap(api.ErrBadValue, "header trim %d of %d", n, len(m.header))
	}
	cut := m.header[:n]
	m.header = m.header[n:]
	return cut, nil
}

// HeaderAppendUint32 appends v to the header in big-endian order.
func (m *Message) HeaderAppendUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return m.HeaderAppend(b[:])
}

// HeaderAppendUint64 appends v to the header in big-endian order.
func (m *Message) HeaderAppendUint64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return m.HeaderAppend(b[:])
}

// HeaderTrimUint32 removes and returns a big-endian uint32 from the
// header front.
func (m *Message) HeaderTrimUint32() (uint32, error) {
	b, err := m.HeaderTrim(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// HeaderTrimUint64 removes and returns a big-endian uint64 from the
// header front.
func (m *Message) HeaderTrimUint64() (uint64, error) {
	b, err := m.HeaderTrim(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// HeaderClear drops the header region.
func (m *Message) HeaderClear() { m.header = m.header[:0] }

// Clear drops both regions, keeping capacity for reuse.
func (m *Message) Clear() {
	m.header = m.header[:0]
	m.body = m.body[:0]
}

// Dup returns a deep copy of the message. The duplicate has its own
// owner; the original is untouched.
func (m *Message) Dup() *Message {
	d := &Message{
		header: append([]byte(nil), m.header...),
		body:   append([]byte(nil), m.body...),
		pipeID: m.pipeID,
	}
	return d
}

// SetPipeID stamps the originating pipe.
func (m *Message) SetPipeID(id uint32) { m.pipeID = id }

// PipeID reports the pipe the message arrived on, zero if local.
func (m *Message) PipeID() uint32 { return m.pipeID }

// Raw is the detached image of a message used to move buffer ownership
// across an asynchronous boundary without aliasing.
type Raw struct {
	Header []byte
	Body   []byte
	PipeID uint32
}

// IntoRaw seals the message and returns its detached contents. After
// IntoRaw the message is empty and must not be used; the internal state
// is nulled so no alias to the transferred buffers survives.
func (m *Message) IntoRaw() Raw {
	r := Raw{Header: m.header, Body: m.body, PipeID: m.pipeID}
	m.header = nil
	m.body = nil
	m.pipeID = 0
	m.sealed = true
	return r
}

// Sealed reports whether the message contents were moved out by
// IntoRaw.
func (m *Message) Sealed() bool { return m.sealed }

// FromRaw reconstructs a message from a detached image, taking
// ownership of the slices.
func FromRaw(r Raw) *Message {
	return &Message{header: r.Header, body: r.Body, pipeID: r.PipeID}
}

// grow ensures room for n more bytes with doubling reallocation.
func grow(b []byte, n int) []byte {
	if len(b)+n <= cap(b) {
		return b
	}
	next := cap(b) * 2
	if next < len(b)+n {
		next = len(b) + n
	}
	out := make([]byte, len(b), next)
	copy(out, b)
	return out
}
