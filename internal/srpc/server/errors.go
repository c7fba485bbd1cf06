package server

import "errors"

// ErrAuthFailed is returned when the HMAC/ts/allowlist handshake check
// fails (spec.md §7, SrpcAuthFailed).
var ErrAuthFailed = errors.New("srpc: authentication failed")

// ErrProtocolError covers invalid envelopes, unknown requestId on a reply,
// and missing requestId on a non-reply (spec.md §7, SrpcProtocolError).
var ErrProtocolError = errors.New("srpc: protocol error")

// ErrRequestTimeout is returned by Stream.Invoke when no reply arrives
// before its timeout.
var ErrRequestTimeout = errors.New("srpc: server-initiated request timed out")

// ErrStreamClosed is returned by Stream.Invoke on a stream that has already
// disconnected.
var ErrStreamClosed = errors.New("srpc: stream closed")

// Close codes from spec.md §6.
const (
	ClosePongTimeout       = 4001
	CloseMissingRequestID  = 4002
	CloseUnknownRequestID  = 4003
	CloseNormal            = 1000
)
