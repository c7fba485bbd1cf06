// Package client implements the SRPC client half of the duplex WebSocket
// protocol described in spec.md §4.7: connect/handshake, automatic
// reconnect with fixed backoff, an outbound request queue, and handling of
// server-initiated requests.
package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signal24/dk-server-foundation/internal/srpc/wire"
)

// HandlerFunc answers a server-initiated request.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// ByteStreamSink receives byteStreamOperation envelopes, and is notified
// when the connection drops so it can locally destroy every open
// substream (spec.md §4.8). Satisfied by *substream.Manager.
type ByteStreamSink interface {
	HandleOperation(op wire.ByteStreamOperation)
	HandleDisconnect()
}

// Options configures handshake identity and timing. Zero values pick
// spec.md §4.7 defaults.
type Options struct {
	AuthVersion           string
	AppVersion            string
	ClientID              string
	Secret                string
	Meta                  map[string]string
	ConnectTimeout        time.Duration // default 10s
	PingInterval          time.Duration // default 55s
	PongTimeout           time.Duration // default 75s
	ReconnectBackoff      time.Duration // default 1s
	Reconnect             bool          // always true after New; NewWithoutReconnect turns it off
	DefaultRequestTimeout time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.AuthVersion == "" {
		o.AuthVersion = "1"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 55 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 75 * time.Second
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.DefaultRequestTimeout <= 0 {
		o.DefaultRequestTimeout = 30 * time.Second
	}
	o.Reconnect = true
	return o
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Client is an SRPC client connection, reconnecting by default.
type Client struct {
	baseURL  string
	streamID string
	opts     Options
	codec    wire.FrameCodec
	logger   *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	outbox       *wire.Outbox
	closed       bool
	connected    bool
	pending      map[string]chan pendingResult
	handlers     map[string]HandlerFunc
	lastPong     time.Time
	onConnect    func()
	onDisconnect func()
	sink         ByteStreamSink
}

// New builds a Client dialing baseURL (e.g. "ws://host:port/wsPath", no
// query string). streamID is reused across reconnects.
func New(baseURL string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Client{
		baseURL:  baseURL,
		streamID: uuid.NewString(),
		opts:     opts,
		codec:    wire.JSONCodec{},
		logger:   logger,
		pending:  make(map[string]chan pendingResult),
		handlers: make(map[string]HandlerFunc),
	}
}

// NewWithoutReconnect builds a Client with automatic reconnect disabled.
func NewWithoutReconnect(baseURL string, opts Options, logger *slog.Logger) *Client {
	c := New(baseURL, opts, logger)
	c.opts.Reconnect = false
	return c
}

// HandleFunc registers a handler for server-initiated requests of typ.
func (c *Client) HandleFunc(typ string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = fn
}

// OnConnect registers a callback fired after each successful handshake.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnDisconnect registers a callback fired whenever the connection drops.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// SetByteStreamSink attaches a substream manager to receive
// byteStreamOperation envelopes and disconnect notifications.
func (c *Client) SetByteStreamSink(sink ByteStreamSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Start begins connecting (and, by default, reconnecting on drop) in the
// background. Cancel ctx to stop permanently.
func (c *Client) Start(ctx context.Context) {
	go c.runLoop(ctx)
}

// Close permanently stops the client and closes any active connection.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	outbox := c.outbox
	c.mu.Unlock()
	if outbox != nil {
		outbox.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.failAllPending(ErrClosed)
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		err := c.connectAndServe(ctx)
		if err != nil {
			c.logger.Warn("srpc client: connection ended", "error", err)
		}

		c.mu.Lock()
		closed = c.closed
		reconnect := c.opts.Reconnect
		c.mu.Unlock()
		if closed || !reconnect {
			return
		}

		select {
		case <-time.After(c.opts.ReconnectBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) handshakeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	ts := time.Now().UnixMilli()
	tsStr := strconv.FormatInt(ts, 10)
	message := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n", c.opts.AuthVersion, c.opts.AppVersion, tsStr, c.streamID, c.opts.ClientID)
	mac := hmac.New(sha256.New, []byte(c.opts.Secret))
	mac.Write([]byte(message))
	signature := hex.EncodeToString(mac.Sum(nil))

	q := u.Query()
	q.Set("authv", c.opts.AuthVersion)
	q.Set("appv", c.opts.AppVersion)
	q.Set("ts", tsStr)
	q.Set("id", c.streamID)
	q.Set("cid", c.opts.ClientID)
	q.Set("signature", signature)
	for k, v := range c.opts.Meta {
		q.Set("m--"+k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL, err := c.handshakeURL()
	if err != nil {
		return fmt.Errorf("srpc client: build handshake url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("srpc client: dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("srpc client: await handshake ping: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	e, err := c.codec.Decode(data)
	if err != nil || e.PingPong == nil || !e.PingPong.Ping {
		_ = conn.Close()
		return fmt.Errorf("srpc client: handshake message was not a ping")
	}

	outbox := wire.NewOutbox()
	go runOutboxWriter(conn, outbox)

	c.mu.Lock()
	c.conn = conn
	c.outbox = outbox
	c.connected = true
	c.lastPong = time.Now()
	onConnect := c.onConnect
	c.mu.Unlock()

	if err := c.sendOn(conn, wire.Envelope{PingPong: &wire.PingPong{Pong: true}}); err != nil {
		c.markDisconnected()
		return err
	}

	if onConnect != nil {
		onConnect()
	}

	stop := make(chan struct{})
	go c.runPingLoop(conn, stop)

	err = c.runReadLoop(ctx, conn)
	close(stop)
	c.markDisconnected()
	return err
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	outbox := c.outbox
	c.outbox = nil
	onDisconnect := c.onDisconnect
	sink := c.sink
	c.mu.Unlock()
	if outbox != nil {
		outbox.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.failAllPending(ErrDisconnected)
	if sink != nil {
		sink.HandleDisconnect()
	}
	if onDisconnect != nil {
		onDisconnect()
	}
}

func (c *Client) runPingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			since := time.Since(c.lastPong)
			c.mu.Unlock()
			if since > c.opts.PongTimeout {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "pong timeout"), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			}
			if err := c.sendOn(conn, wire.Envelope{PingPong: &wire.PingPong{Ping: true}}); err != nil {
				return
			}
		}
	}
}

func (c *Client) runReadLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		e, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("srpc client: dropping malformed envelope", "error", err)
			continue
		}
		c.dispatch(ctx, conn, e)
	}
}

func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, e wire.Envelope) {
	switch {
	case e.PingPong != nil:
		if e.PingPong.Ping {
			_ = c.sendOn(conn, wire.Envelope{PingPong: &wire.PingPong{Pong: true}})
		}
		if e.PingPong.Pong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}

	case e.ByteStreamOperation != nil:
		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.HandleOperation(*e.ByteStreamOperation)
		}

	case e.Reply:
		c.resolvePending(e)

	default:
		c.mu.Lock()
		fn, ok := c.handlers[e.Type]
		c.mu.Unlock()
		if !ok {
			_ = c.sendOn(conn, wire.Envelope{RequestID: e.RequestID, Reply: true, Error: fmt.Sprintf("no handler for type %q", e.Type)})
			return
		}
		go func() {
			result, err := fn(ctx, e.Payload)
			if err != nil {
				_ = c.sendOn(conn, wire.Envelope{RequestID: e.RequestID, Reply: true, Error: err.Error()})
				return
			}
			payload, err := json.Marshal(result)
			if err != nil {
				_ = c.sendOn(conn, wire.Envelope{RequestID: e.RequestID, Reply: true, Error: err.Error()})
				return
			}
			_ = c.sendOn(conn, wire.Envelope{RequestID: e.RequestID, Type: e.Type, Reply: true, Payload: payload})
		}()
	}
}

func (c *Client) resolvePending(e wire.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[e.RequestID]
	if ok {
		delete(c.pending, e.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if e.Error != "" {
		ch <- pendingResult{err: fmt.Errorf("srpc client: %s", e.Error)}
	} else {
		ch <- pendingResult{data: e.Payload}
	}
}

// sendOn queues e for send on the outbox associated with conn. conn is
// kept as a parameter (even though delivery goes through c.outbox) so call
// sites read naturally as "send on this connection" and a future per-conn
// outbox lookup stays a local change.
func (c *Client) sendOn(conn *websocket.Conn, e wire.Envelope) error {
	data, err := c.codec.Encode(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	outbox := c.outbox
	c.mu.Unlock()
	if outbox == nil {
		return ErrDisconnected
	}
	outbox.Push(data)
	return nil
}

func runOutboxWriter(conn *websocket.Conn, outbox *wire.Outbox) {
	for {
		data, ok := outbox.Pop()
		if !ok {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}

// GetBufferedAmount reports bytes queued for send but not yet written to
// the underlying connection, for ByteSubstream backpressure (spec.md §4.8).
func (c *Client) GetBufferedAmount() int {
	c.mu.Lock()
	outbox := c.outbox
	c.mu.Unlock()
	if outbox == nil {
		return 0
	}
	return outbox.BufferedAmount()
}

// SendByteStreamOperation publishes a substream operation on this
// connection, the host-write primitive ByteSubstream senders call into
// (spec.md §4.8).
func (c *Client) SendByteStreamOperation(op wire.ByteStreamOperation) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return c.sendOn(conn, wire.Envelope{ByteStreamOperation: &op})
}

// Invoke sends a request of type typ and waits for its response
// (spec.md §4.7). Disconnects reject every pending Invoke with
// ErrDisconnected.
func (c *Client) Invoke(ctx context.Context, typ string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultRequestTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	conn := c.conn
	c.mu.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("srpc client: encode request data: %w", err)
	}

	requestID := uuid.NewString()
	resultCh := make(chan pendingResult, 1)
	c.mu.Lock()
	c.pending[requestID] = resultCh
	c.mu.Unlock()

	if err := c.sendOn(conn, wire.Envelope{RequestID: requestID, Type: typ, Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		return res.data, res.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

// StreamID returns the id= value used in the handshake URL, stable across
// reconnects.
func (c *Client) StreamID() string {
	return c.streamID
}
