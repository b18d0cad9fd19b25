// File: core/message/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire image codec. Each message travels as
//
//	[4-byte big-endian header-length][header bytes][body bytes]
//
// which must stay bit-exact for interoperability. Stream transports
// delimit consecutive images with their own 4-byte total-length prefix;
// that prefix is transport framing and not part of the image.

package message

import (
	"encoding/binary"

	"github.com/momentics/hioload-sp/api"
)

// imageOverhead is the fixed size of the header-length field.
const imageOverhead = 4

// Encode serializes the message into its wire image.
func (m *Message) Encode() []byte {
	out := make([]byte, imageOverhead+len(m.header)+len(m.body))
	binary.BigEndian.PutUint32(out, uint32(len(m.header)))
	copy(out[imageOverhead:], m.header)
	copy(out[imageOverhead+len(m.header):], m.body)
	return out
}

// EncodedLen reports the wire image size without serializing.
func (m *Message) EncodedLen() int {
	return imageOverhead + len(m.header) + len(m.body)
}

// Decode parses a wire image into a fresh message. The input is copied
// so the caller keeps ownership of image.
func Decode(image []byte) (*Message, error) {
	if len(image) < imageOverhead {
		return nil, api.Wrap(api.ErrProtocolViolation, "short message image (%d bytes)", len(image))
	}
	hlen := int(binary.BigEndian.Uint32(image))
	if hlen < 0 || hlen > len(image)-imageOverhead {
		return nil, api.Wrap(api.ErrProtocolViolation, "header length %d exceeds image", hlen)
	}
	m := &Message{
		header: append([]byte(nil), image[imageOverhead:imageOverhead+hlen]...),
		body:   append([]byte(nil), image[imageOverhead+hlen:]...),
	}
	return m, nil
}
