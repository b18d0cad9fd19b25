// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error taxonomy for the scalability-protocols library.
// Every operation result resolves to exactly one of these sentinels,
// possibly wrapped with additional context.

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by sockets, contexts and asynchronous operations.
var (
	// ErrTimeout reports that an operation deadline elapsed before the
	// operation could complete. Timeout takes the same path as an
	// explicit cancellation.
	ErrTimeout = errors.New("operation timed out")

	// ErrCanceled reports that an operation was canceled before its
	// message was committed to a transport.
	ErrCanceled = errors.New("operation canceled")

	// ErrConnClosed reports that the pipe carrying an operation was
	// closed while the operation was bound to it.
	ErrConnClosed = errors.New("connection closed")

	// ErrClosed reports use of a socket, context or aio after Close.
	ErrClosed = errors.New("object closed")

	// ErrNoPeer reports a send on a protocol that requires a connected
	// peer when none is attached (pair).
	ErrNoPeer = errors.New("no peer available")

	// ErrBusy reports submission on an Aio that already has an
	// operation in flight, or a protocol that cannot accept more work.
	ErrBusy = errors.New("resource busy")

	// ErrCapacity reports a message allocation beyond the permitted
	// size. It is the only failure mode of the message allocator.
	ErrCapacity = errors.New("allocation capacity exceeded")

	// ErrProtocolViolation reports caller misuse of a protocol state
	// machine, such as a second request before the reply was received.
	ErrProtocolViolation = errors.New("protocol state violation")

	// ErrBadAddress reports a malformed URL or an unsupported transport
	// scheme. It is raised synchronously at dial/listen call time.
	ErrBadAddress = errors.New("bad transport address")

	// ErrNotSupported reports an operation the selected protocol does
	// not implement (for example contexts on a pair socket).
	ErrNotSupported = errors.New("operation not supported")

	// ErrBadOption reports an option name unknown to the socket or its
	// protocol.
	ErrBadOption = errors.New("unknown option")

	// ErrBadValue reports an option value of the wrong type or range.
	ErrBadValue = errors.New("invalid option value")
)

// Wrap annotates a sentinel with call-site context while preserving
// errors.Is matching against the sentinel.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
