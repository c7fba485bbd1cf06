package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signal24/dk-server-foundation/internal/srpc/wire"
)

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Stream is one established, authenticated SRPC connection.
type Stream struct {
	id     string
	cid    string
	meta   map[string]string
	conn   *websocket.Conn
	codec  wire.FrameCodec
	logger *slog.Logger

	writeMu sync.Mutex
	outbox  *wire.Outbox

	mu       sync.Mutex
	pending  map[string]chan pendingResult
	closed   bool
	lastPong time.Time
	sink     ByteStreamSink
	cancel   context.CancelFunc
}

func newStream(id, cid string, meta map[string]string, conn *websocket.Conn, codec wire.FrameCodec, logger *slog.Logger) *Stream {
	s := &Stream{
		id:       id,
		cid:      cid,
		meta:     meta,
		conn:     conn,
		codec:    codec,
		logger:   logger,
		outbox:   wire.NewOutbox(),
		pending:  make(map[string]chan pendingResult),
		lastPong: time.Now(),
	}
	go s.runWriter()
	return s
}

func (s *Stream) runWriter() {
	for {
		data, ok := s.outbox.Pop()
		if !ok {
			return
		}
		s.writeMu.Lock()
		err := s.conn.WriteMessage(websocket.BinaryMessage, data)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// GetBufferedAmount reports bytes queued for send but not yet written to
// the underlying connection, for ByteSubstream backpressure (spec.md §4.8).
func (s *Stream) GetBufferedAmount() int {
	return s.outbox.BufferedAmount()
}

// SendByteStreamOperation publishes a substream operation on this stream,
// the host-write primitive ByteSubstream senders call into (spec.md §4.8).
func (s *Stream) SendByteStreamOperation(op wire.ByteStreamOperation) error {
	return s.send(wire.Envelope{ByteStreamOperation: &op})
}

// ID returns the client-supplied stream id.
func (s *Stream) ID() string { return s.id }

// ClientID returns the client id (cid) presented during handshake.
func (s *Stream) ClientID() string { return s.cid }

// Meta returns the (possibly authorizer-enriched) handshake meta.
func (s *Stream) Meta() map[string]string { return s.meta }

// SetByteStreamSink attaches a substream manager to receive
// byteStreamOperation envelopes for this stream.
func (s *Stream) SetByteStreamSink(sink ByteStreamSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Stream) send(e wire.Envelope) error {
	data, err := s.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("srpc: encode envelope: %w", err)
	}
	s.outbox.Push(data)
	return nil
}

func (s *Stream) sendPing() error {
	return s.send(wire.Envelope{PingPong: &wire.PingPong{Ping: true}})
}

func (s *Stream) awaitHandshakePong(timeout time.Duration) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	e, err := s.codec.Decode(data)
	if err != nil || e.PingPong == nil || !e.PingPong.Pong {
		return false
	}
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
	return true
}

func (s *Stream) runPingLoop(interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		closed := s.closed
		since := time.Since(s.lastPong)
		s.mu.Unlock()
		if closed {
			return
		}
		if since > pongTimeout {
			s.closeLocal(ClosePongTimeout, "pong timeout")
			return
		}
		if err := s.sendPing(); err != nil {
			return
		}
	}
}

type handlerLookup func(typ string) (HandlerFunc, bool)

func (s *Stream) runReadLoop(lookup handlerLookup) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failAllPending(ErrStreamClosed)
			return
		}
		e, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("srpc: dropping malformed envelope, terminating", "stream", s.id, "error", err)
			s.closeLocal(websocket.CloseUnsupportedData, "decode error")
			return
		}
		if !s.dispatch(ctx, e, lookup) {
			return
		}
	}
}

// dispatch handles one decoded envelope. Returns false if the stream was
// terminated as a result (caller should stop reading).
func (s *Stream) dispatch(ctx context.Context, e wire.Envelope, lookup handlerLookup) bool {
	switch {
	case e.PingPong != nil:
		if e.PingPong.Ping {
			_ = s.send(wire.Envelope{PingPong: &wire.PingPong{Pong: true}})
		}
		if e.PingPong.Pong {
			s.mu.Lock()
			s.lastPong = time.Now()
			s.mu.Unlock()
		}
		return true

	case e.ByteStreamOperation != nil:
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink.HandleOperation(*e.ByteStreamOperation)
		}
		return true

	case e.RequestID == "":
		s.closeLocal(CloseMissingRequestID, "missing requestId")
		return false

	case e.Reply:
		s.resolvePending(e)
		return true

	default:
		fn, ok := lookup(e.Type)
		if !ok {
			_ = s.send(wire.Envelope{RequestID: e.RequestID, Reply: true, Error: fmt.Sprintf("no handler for type %q", e.Type)})
			return true
		}
		go s.runHandler(ctx, fn, e)
		return true
	}
}

func (s *Stream) runHandler(ctx context.Context, fn HandlerFunc, e wire.Envelope) {
	result, err := fn(ctx, s, e.Payload)
	if err != nil {
		_ = s.send(wire.Envelope{RequestID: e.RequestID, Reply: true, Error: err.Error()})
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		_ = s.send(wire.Envelope{RequestID: e.RequestID, Reply: true, Error: err.Error()})
		return
	}
	_ = s.send(wire.Envelope{RequestID: e.RequestID, Type: e.Type, Reply: true, Payload: payload})
}

func (s *Stream) resolvePending(e wire.Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[e.RequestID]
	if ok {
		delete(s.pending, e.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		s.closeLocal(CloseUnknownRequestID, "unknown requestId on reply")
		return
	}
	if e.Error != "" {
		ch <- pendingResult{err: fmt.Errorf("srpc: %s", e.Error)}
	} else {
		ch <- pendingResult{data: e.Payload}
	}
}

// Invoke sends a server-initiated request of type typ and waits for the
// client's response, symmetric to the client's own Invoke (spec.md §4.6).
func (s *Stream) Invoke(ctx context.Context, typ string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("srpc: encode request data: %w", err)
	}

	requestID := uuid.NewString()
	resultCh := make(chan pendingResult, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStreamClosed
	}
	s.pending[requestID] = resultCh
	s.mu.Unlock()

	if err := s.send(wire.Envelope{RequestID: requestID, Type: typ, Payload: payload}); err != nil {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.data, res.err
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Stream) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan pendingResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func (s *Stream) closeLocal(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	sink := s.sink
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.failAllPending(ErrStreamClosed)
	if sink != nil {
		sink.HandleDisconnect()
	}

	msg := websocket.FormatCloseMessage(code, reason)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.outbox.Close()
	_ = s.conn.Close()
}
