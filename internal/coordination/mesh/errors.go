package mesh

import (
	"errors"
	"fmt"
)

// ErrRequestTimeout is returned by Invoke when no response arrives before
// requestTimeoutMs elapses (spec.md §7, MeshRequestTimeout).
var ErrRequestTimeout = errors.New("mesh: request timed out")

// ErrStopped is returned to every pending Invoke caller when Stop runs
// (spec.md §7, MeshStopped).
var ErrStopped = errors.New("mesh: service stopped")

// ErrNoHandler is returned when the target node has no handler registered
// for the requested type (spec.md §7, MeshNoHandler).
type ErrNoHandler struct {
	Type string
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("mesh: no handler for type %q", e.Type)
}

// noHandlerPrefix is the wire-level error prefix a remote node uses to
// signal ErrNoHandler back to the caller (spec.md §4.4).
const noHandlerPrefix = "MESH_NO_HANDLER:"

// ErrHandlerError wraps a remote handler's reported error message
// (spec.md §7, MeshHandlerError).
type ErrHandlerError struct {
	Message string
}

func (e *ErrHandlerError) Error() string {
	return "mesh: remote handler error: " + e.Message
}
