package client

import "errors"

// ErrDisconnected is returned to every pending Invoke call when the
// connection drops (spec.md §4.7).
var ErrDisconnected = errors.New("srpc: disconnected")

// ErrRequestTimeout is returned when no reply arrives before the Invoke
// timeout.
var ErrRequestTimeout = errors.New("srpc: request timed out")

// ErrClosed is returned by Invoke once Close has been called.
var ErrClosed = errors.New("srpc: client closed")
