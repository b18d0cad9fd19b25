// File: api/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Enumerated socket option names. The option surface is fixed; unknown
// names fail with ErrBadOption and values of the wrong type fail with
// ErrBadValue. Protocol-specific options are validated by the protocol
// that owns them.

package api

const (
	// OptSendTimeout bounds synchronous and asynchronous send
	// operations (time.Duration, zero means no deadline).
	OptSendTimeout = "send-timeout"

	// OptRecvTimeout bounds receive operations (time.Duration).
	OptRecvTimeout = "recv-timeout"

	// OptResendInterval is the req protocol retry interval for
	// unanswered requests (time.Duration, zero disables resend).
	OptResendInterval = "req:resend-interval"

	// OptSurveyTime is the deadline applied to each survey, measured
	// from the moment the survey is sent (time.Duration).
	OptSurveyTime = "surveyor:survey-time"

	// OptMaxOutstandingSurveys caps the surveys a surveyor socket may
	// have awaiting replies across its contexts (int).
	OptMaxOutstandingSurveys = "surveyor:max-outstanding"

	// OptSubscribe adds a topic prefix to the subscriber's default
	// context ([]byte or string). Messages are delivered when any
	// subscribed prefix is a byte prefix of the message body.
	OptSubscribe = "sub:subscribe"

	// OptUnsubscribe removes a previously subscribed prefix.
	OptUnsubscribe = "sub:unsubscribe"

	// OptReconnMinBackoff is the initial dialer retry delay
	// (time.Duration).
	OptReconnMinBackoff = "reconnect-min-backoff"

	// OptReconnMaxBackoff is the dialer retry delay ceiling
	// (time.Duration).
	OptReconnMaxBackoff = "reconnect-max-backoff"

	// OptSendBufDepth is the per-pipe send queue depth in messages
	// (int, 1..8192).
	OptSendBufDepth = "send-buffer-depth"

	// OptRecvBufDepth is the protocol receive queue depth in messages
	// (int, 1..8192).
	OptRecvBufDepth = "recv-buffer-depth"

	// OptRecvMaxSize caps the size of a message accepted from a remote
	// peer (int, zero means unlimited). Oversized frames close the pipe.
	OptRecvMaxSize = "recv-max-size"

	// OptSockName is a free-form socket label used in logs. Defaults to
	// a fresh UUID.
	OptSockName = "socket-name"

	// OptMaxTTL is the remaining-hops counter stamped into survey
	// headers for relay topologies (int, 1..255). Relaying itself is
	// out of scope; the field is carried for interoperability.
	OptMaxTTL = "max-ttl"
)
