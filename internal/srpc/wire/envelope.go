// Package wire defines the SRPC frame format and the FrameCodec interface
// used to encode/decode it, per spec.md §6 ("the core only requires
// encode(Message) → bytes, decode(bytes) → Message, and named field access
// for ${prefix}Request / ${prefix}Response") and the Design Notes' tagged
// variant: Envelope carries a type code (Type) instead of dynamic field
// names, with Payload holding the ${prefix}Request/${prefix}Response body.
package wire

import "encoding/json"

// PingPong is the heartbeat half of an Envelope.
type PingPong struct {
	Ping bool `json:"ping,omitempty"`
	Pong bool `json:"pong,omitempty"`
}

// ByteStreamWrite is the payload of a write byteStreamOperation.
type ByteStreamWrite struct {
	Chunk []byte `json:"chunk"`
}

// ByteStreamDestroy is the payload of a destroy byteStreamOperation.
type ByteStreamDestroy struct {
	Error string `json:"error,omitempty"`
}

// ByteStreamOperation carries one of write/finish/destroy for streamId, per
// spec.md §6.
type ByteStreamOperation struct {
	StreamID int64             `json:"streamId"`
	Write    *ByteStreamWrite   `json:"write,omitempty"`
	Finish   *struct{}          `json:"finish,omitempty"`
	Destroy  *ByteStreamDestroy `json:"destroy,omitempty"`
}

// Envelope is the single container message type carried over an SRPC
// connection. Type is the request/response prefix (e.g. "echo" covers
// echoRequest/echoResponse); Reply distinguishes a response from a request
// sharing the same Type.
type Envelope struct {
	RequestID           string               `json:"requestId,omitempty"`
	Type                string               `json:"type,omitempty"`
	Reply               bool                 `json:"reply,omitempty"`
	Error               string               `json:"error,omitempty"`
	Trace               string               `json:"trace,omitempty"`
	Payload             json.RawMessage      `json:"payload,omitempty"`
	Meta                map[string]string    `json:"meta,omitempty"`
	PingPong            *PingPong            `json:"pingPong,omitempty"`
	ByteStreamOperation *ByteStreamOperation `json:"byteStreamOperation,omitempty"`
}

// IsPing reports whether this envelope is a bare ping/pong frame.
func (e Envelope) IsPing() bool {
	return e.PingPong != nil
}

// IsByteStreamOp reports whether this envelope carries a substream
// operation.
func (e Envelope) IsByteStreamOp() bool {
	return e.ByteStreamOperation != nil
}

// FrameCodec encodes Envelopes to wire bytes and back. The default
// implementation is JSONCodec; applications may supply any codec that
// round-trips an Envelope (spec.md §6).
type FrameCodec interface {
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// JSONCodec is the default FrameCodec, matching the teacher daemon's
// JSON-over-socket wire format.
type JSONCodec struct{}

func (JSONCodec) Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
