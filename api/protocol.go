// File: api/protocol.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Protocol identifiers for the fixed set of messaging patterns. The set
// is closed: sockets are opened with an exhaustive switch over these
// values and no external protocol registration exists.

package api

// ProtocolID identifies one half of a messaging pattern. The numeric
// values follow the SP protocol numbering so that peers interoperate
// across implementations.
type ProtocolID uint16

const (
	Pair       ProtocolID = 0x10
	Pub        ProtocolID = 0x20
	Sub        ProtocolID = 0x21
	Req        ProtocolID = 0x30
	Rep        ProtocolID = 0x31
	Push       ProtocolID = 0x50
	Pull       ProtocolID = 0x51
	Surveyor   ProtocolID = 0x62
	Respondent ProtocolID = 0x63
	Bus        ProtocolID = 0x70
)

// ProtocolInfo describes a protocol and the peer it speaks to.
type ProtocolInfo struct {
	Self     ProtocolID
	Peer     ProtocolID
	SelfName string
	PeerName string
}

// String returns the lowercase protocol name.
func (p ProtocolID) String() string {
	switch p {
	case Pair:
		return "pair"
	case Pub:
		return "pub"
	case Sub:
		return "sub"
	case Req:
		return "req"
	case Rep:
		return "rep"
	case Push:
		return "push"
	case Pull:
		return "pull"
	case Surveyor:
		return "surveyor"
	case Respondent:
		return "respondent"
	case Bus:
		return "bus"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the known protocol identifiers.
func (p ProtocolID) Valid() bool {
	switch p {
	case Pair, Pub, Sub, Req, Rep, Push, Pull, Surveyor, Respondent, Bus:
		return true
	}
	return false
}

// PeerID returns the protocol a socket of type p expects on the remote
// end of each pipe. Pair and bus peer with themselves.
func (p ProtocolID) PeerID() ProtocolID {
	switch p {
	case Pair:
		return Pair
	case Pub:
		return Sub
	case Sub:
		return Pub
	case Req:
		return Rep
	case Rep:
		return Req
	case Push:
		return Pull
	case Pull:
		return Push
	case Surveyor:
		return Respondent
	case Respondent:
		return Surveyor
	case Bus:
		return Bus
	default:
		return p
	}
}
