// File: core/message/message_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-sp/api"
)

func TestAllocZeroFilled(t *testing.T) {
	for _, n := range []int{0, 1, 7, 64, 4096} {
		m, err := Alloc(n)
		require.NoError(t, err)
		require.Len(t, m.Body(), n)
		assert.True(t, bytes.Equal(m.Body(), make([]byte, n)), "body must be zero-initialized")
		assert.Empty(t, m.Header())
	}
}

func TestAllocCapacity(t *testing.T) {
	_, err := Alloc(-1)
	require.ErrorIs(t, err, api.ErrCapacity)
	_, err = Alloc(MaxAlloc + 1)
	require.ErrorIs(t, err, api.ErrCapacity)
}

func TestAppendRoundTrip(t *testing.T) {
	m, err := Alloc(0)
	require.NoError(t, err)
	require.NoError(t, m.Append([]byte("hello")))
	require.NoError(t, m.Append([]byte(" world")))
	assert.Equal(t, []byte("hello world"), m.Body())

	require.NoError(t, m.Insert([]byte(">> ")))
	assert.Equal(t, []byte(">> hello world"), m.Body())

	cut, err := m.Trim(3)
	require.NoError(t, err)
	assert.Equal(t, []byte(">> "), cut)
	cut, err = m.Chop(6)
	require.NoError(t, err)
	assert.Equal(t, []byte(" world"), cut)
	assert.Equal(t, []byte("hello"), m.Body())
}

func TestTrimChopBounds(t *testing.T) {
	m, _ := Alloc(4)
	_, err := m.Trim(5)
	require.ErrorIs(t, err, api.ErrBadValue)
	_, err = m.Chop(-1)
	require.ErrorIs(t, err, api.ErrBadValue)
}

func TestUint32Helpers(t *testing.T) {
	m, _ := Alloc(0)
	require.NoError(t, m.AppendUint32(0xdeadbeef))
	v, err := m.TrimUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
	assert.Zero(t, m.Len())
}

func TestHeaderOps(t *testing.T) {
	m, _ := Alloc(0)
	require.NoError(t, m.HeaderAppendUint64(42))
	require.NoError(t, m.HeaderAppendUint32(7))
	require.NoError(t, m.HeaderInsert([]byte{0xff}))

	b, err := m.HeaderTrim(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, b)

	id, err := m.HeaderTrimUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	n, err := m.HeaderTrimUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), n)
	assert.Empty(t, m.Header())
}

func TestHeaderCapacityBound(t *testing.T) {
	m, _ := Alloc(0)
	big := make([]byte, MaxAlloc+1)
	require.ErrorIs(t, m.HeaderAppend(big), api.ErrCapacity)
	require.ErrorIs(t, m.HeaderInsert(big), api.ErrCapacity)
	assert.Empty(t, m.Header())
}

func TestDupIndependence(t *testing.T) {
	m, _ := Alloc(0)
	require.NoError(t, m.Append([]byte("abc")))
	require.NoError(t, m.HeaderAppendUint32(1))

	d := m.Dup()
	require.NoError(t, d.Append([]byte("xyz")))
	d.Body()[0] = 'Z'

	assert.Equal(t, []byte("abc"), m.Body(), "original must not observe duplicate mutations")
	assert.Equal(t, []byte("Zbcxyz"), d.Body())
	assert.Equal(t, m.Header(), d.Header())
}

func TestIntoRawFromRaw(t *testing.T) {
	m, _ := Alloc(0)
	require.NoError(t, m.Append([]byte("payload")))
	require.NoError(t, m.HeaderAppendUint32(9))
	m.SetPipeID(3)

	r := m.IntoRaw()
	assert.True(t, m.Sealed())
	assert.Empty(t, m.Body(), "sealed message must not alias transferred buffers")
	assert.Empty(t, m.Header())

	back := FromRaw(r)
	assert.Equal(t, []byte("payload"), back.Body())
	assert.Equal(t, uint32(3), back.PipeID())
	id, err := back.HeaderTrimUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), id)
}

func TestEncodeDecode(t *testing.T) {
	m, _ := Alloc(0)
	require.NoError(t, m.HeaderAppendUint64(0x0102030405060708))
	require.NoError(t, m.Append([]byte("body")))

	image := m.Encode()
	require.Len(t, image, m.EncodedLen())
	// 4-byte big-endian header length comes first.
	assert.Equal(t, []byte{0, 0, 0, 8}, image[:4])

	got, err := Decode(image)
	require.NoError(t, err)
	assert.Equal(t, m.Header(), got.Header())
	assert.Equal(t, m.Body(), got.Body())
}

func TestEncodeDecodeZeroLength(t *testing.T) {
	m, _ := Alloc(0)
	image := m.Encode()
	require.Len(t, image, 4)

	got, err := Decode(image)
	require.NoError(t, err)
	assert.Zero(t, got.Len())
	assert.Empty(t, got.Header())
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0, 0})
	require.ErrorIs(t, err, api.ErrProtocolViolation)

	// Header length larger than the remaining image.
	_, err = Decode([]byte{0, 0, 0, 9, 1, 2})
	require.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestGrowthAmortized(t *testing.T) {
	m, _ := Alloc(0)
	chunk := bytes.Repeat([]byte{0xab}, 17)
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Append(chunk))
	}
	require.Equal(t, 1700, m.Len())
	for _, b := range m.Body() {
		if b != 0xab {
			t.Fatal("append corrupted body contents")
		}
	}
}
