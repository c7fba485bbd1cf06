// Package mesh implements the per-key cluster membership and request/reply
// RPC layer described in spec.md §4.4: a set of peer nodes identified by a
// monotonic instance ID, heartbeating into a Redis sorted set, exchanging
// typed requests over per-node pub/sub channels, with a Leader internally
// electing the node responsible for expired-member cleanup.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signal24/dk-server-foundation/internal/coordination/leader"
	"github.com/signal24/dk-server-foundation/internal/coordination/redislock"
	"github.com/signal24/dk-server-foundation/internal/telemetry"
)

var meshTracer = telemetry.Tracer("github.com/signal24/dk-server-foundation/mesh")

// HandlerFunc answers a single Invoke request. Returning an error causes the
// caller to observe ErrHandlerError with err.Error() as the message.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Node describes a single mesh member as returned by GetNodes.
type Node struct {
	InstanceID int64
	Host       string
	Self       bool
}

// Options configures timing knobs that default per spec.md §4.4.
type Options struct {
	HeartbeatInterval time.Duration // default 5s
	NodeTTL           time.Duration // default 3 * HeartbeatInterval
	RequestTimeout    time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.NodeTTL <= 0 {
		o.NodeTTL = 3 * o.HeartbeatInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return o
}

type wireMessage struct {
	RequestID string          `json:"requestId"`
	Sender    int64           `json:"senderInstanceId"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Reply     bool            `json:"reply,omitempty"`
	Heartbeat bool            `json:"heartbeat,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type pendingRequest struct {
	resultCh chan pendingResult
	resetCh  chan time.Duration
	doneCh   chan struct{}
	once     sync.Once
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Mesh is a cluster of peer nodes sharing a key, with request/reply RPC
// between them. Zero value is not usable; build with New.
type Mesh struct {
	key      string
	prefix   string
	host     string
	runner   *redislock.ScriptRunner
	subClient redis.UniversalClient
	opts     Options
	logger   *slog.Logger

	mu              sync.Mutex
	started         bool
	stopped         bool
	instanceID      int64
	handlers        map[string]HandlerFunc
	pending         map[string]*pendingRequest
	handlerBeats    map[string]context.CancelFunc
	onNodeCleanedUp func(id int64)

	leader      *leader.Leader
	pubsub      *redis.PubSub
	heartbeatWg sync.WaitGroup
	cancel      context.CancelFunc
}

// New builds a Mesh for key. subClient must be a dedicated connection, not
// shared with runner's client, because SUBSCRIBE monopolizes a connection
// (spec.md §4.4, step 2).
func New(prefix, key, host string, runner *redislock.ScriptRunner, subClient redis.UniversalClient, opts Options, logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mesh{
		key:          key,
		prefix:       prefix,
		host:         host,
		runner:       runner,
		subClient:    subClient,
		opts:         opts.withDefaults(),
		logger:       logger,
		handlers:     make(map[string]HandlerFunc),
		pending:      make(map[string]*pendingRequest),
		handlerBeats: make(map[string]context.CancelFunc),
	}
}

// HandleFunc registers a handler for an inbound request type. Must be
// called before Start.
func (m *Mesh) HandleFunc(requestType string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[requestType] = fn
}

// OnNodeCleanedUp registers a callback fired once per expired member id
// whenever this node (as mesh leader) reaps it from the heartbeat set
// (spec.md §4.4). Should be called before Start.
func (m *Mesh) OnNodeCleanedUp(fn func(id int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNodeCleanedUp = fn
}

func (m *Mesh) nextIDKey() string      { return m.prefix + ":mesh:" + m.key + ":next_id" }
func (m *Mesh) heartbeatsKey() string  { return m.prefix + ":mesh:" + m.key + ":heartbeats" }
func (m *Mesh) nodesKey() string       { return m.prefix + ":mesh:" + m.key + ":nodes" }
func (m *Mesh) nodeChannel(id int64) string {
	return m.prefix + ":mesh:" + m.key + ":node:" + strconv.FormatInt(id, 10)
}

// Start obtains an instance ID, opens the subscriber connection, announces
// presence, and begins heartbeating. Returns the assigned instance ID.
func (m *Mesh) Start(ctx context.Context) (int64, error) {
	m.mu.Lock()
	if m.started {
		id := m.instanceID
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	id, err := m.runner.Client().Incr(ctx, m.nextIDKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("mesh: assign instance id: %w", err)
	}

	pubsub := m.subClient.Subscribe(ctx, m.nodeChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return 0, fmt.Errorf("mesh: subscribe to node channel: %w", err)
	}

	if _, err := m.runner.Heartbeat(ctx, m.heartbeatsKey(), strconv.FormatInt(id, 10)); err != nil {
		_ = pubsub.Close()
		return 0, fmt.Errorf("mesh: initial heartbeat: %w", err)
	}
	if err := m.runner.Client().HSet(ctx, m.nodesKey(), strconv.FormatInt(id, 10), m.host).Err(); err != nil {
		_ = pubsub.Close()
		return 0, fmt.Errorf("mesh: register node: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.started = true
	m.instanceID = id
	m.pubsub = pubsub
	m.cancel = cancel
	m.mu.Unlock()

	m.leader = leader.New(m.prefix, "mesh:"+m.key, m.runner, leader.Options{
		TTL:          3 * m.opts.HeartbeatInterval,
		RenewalDelay: m.opts.HeartbeatInterval,
		RetryDelay:   m.opts.HeartbeatInterval,
	}, m.logger)
	m.leader.Start()

	m.heartbeatWg.Add(2)
	go m.runHeartbeatLoop(runCtx, id)
	go m.runDispatchLoop(runCtx, pubsub)

	return id, nil
}

func (m *Mesh) runHeartbeatLoop(ctx context.Context, id int64) {
	defer m.heartbeatWg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	idStr := strconv.FormatInt(id, 10)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.runner.Heartbeat(ctx, m.heartbeatsKey(), idStr); err != nil {
				m.logger.Warn("mesh: heartbeat failed", "key", m.key, "error", err)
				continue
			}
			if m.leader.IsLeader() {
				m.runCleanup(ctx)
			}
		}
	}
}

func (m *Mesh) runCleanup(ctx context.Context) {
	expired, err := m.runner.Cleanup(ctx, m.heartbeatsKey(), m.nodesKey(), m.opts.NodeTTL)
	if err != nil {
		m.logger.Warn("mesh: cleanup failed", "key", m.key, "error", err)
		return
	}

	m.mu.Lock()
	cb := m.onNodeCleanedUp
	m.mu.Unlock()

	for _, idStr := range expired {
		m.logger.Info("mesh: node cleaned up", "key", m.key, "instanceId", idStr)
		if cb == nil {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		m.safeNodeCleanedUp(id, cb)
	}
}

func (m *Mesh) safeNodeCleanedUp(id int64, cb func(id int64)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("mesh: onNodeCleanedUp callback panicked", "key", m.key, "panic", r)
		}
	}()
	cb(id)
}

func (m *Mesh) runDispatchLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer m.heartbeatWg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(ctx, msg.Payload)
		}
	}
}

func (m *Mesh) dispatch(ctx context.Context, payload string) {
	var wm wireMessage
	if err := json.Unmarshal([]byte(payload), &wm); err != nil {
		m.logger.Warn("mesh: dropping malformed message", "key", m.key, "error", err)
		return
	}

	switch {
	case wm.Reply:
		m.handleResponse(wm)
	case wm.Heartbeat:
		m.handleRequestHeartbeat(wm)
	default:
		m.handleRequest(ctx, wm)
	}
}

func (m *Mesh) handleResponse(wm wireMessage) {
	m.mu.Lock()
	p, ok := m.pending[wm.RequestID]
	if ok {
		delete(m.pending, wm.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("mesh: response for unknown request, dropped", "requestId", wm.RequestID)
		return
	}

	var result pendingResult
	switch {
	case len(wm.Error) >= len(noHandlerPrefix) && wm.Error[:len(noHandlerPrefix)] == noHandlerPrefix:
		result.err = &ErrNoHandler{Type: wm.Error[len(noHandlerPrefix):]}
	case wm.Error != "":
		result.err = &ErrHandlerError{Message: wm.Error}
	default:
		result.data = wm.Data
	}

	p.once.Do(func() {
		p.resultCh <- result
		close(p.doneCh)
	})
}

func (m *Mesh) handleRequestHeartbeat(wm wireMessage) {
	m.mu.Lock()
	p, ok := m.pending[wm.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.resetCh <- m.opts.RequestTimeout:
	default:
	}
}

func (m *Mesh) handleRequest(ctx context.Context, wm wireMessage) {
	m.mu.Lock()
	handler, ok := m.handlers[wm.Type]
	m.mu.Unlock()

	replyChannel := m.nodeChannel(wm.Sender)

	if !ok {
		m.publish(replyChannel, wireMessage{RequestID: wm.RequestID, Sender: m.instanceID, Reply: true, Error: noHandlerPrefix + wm.Type})
		return
	}

	timeout := time.Duration(wm.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}
	beatCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.handlerBeats[wm.RequestID] = cancel
	m.mu.Unlock()
	go m.runHandlerHeartbeat(beatCtx, wm.RequestID, replyChannel, time.Duration(float64(timeout)*0.75))

	data, err := handler(ctx, wm.Data)

	m.mu.Lock()
	if c, ok := m.handlerBeats[wm.RequestID]; ok {
		c()
		delete(m.handlerBeats, wm.RequestID)
	}
	m.mu.Unlock()

	if err != nil {
		m.publish(replyChannel, wireMessage{RequestID: wm.RequestID, Sender: m.instanceID, Reply: true, Error: err.Error()})
		return
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		m.publish(replyChannel, wireMessage{RequestID: wm.RequestID, Sender: m.instanceID, Reply: true, Error: err.Error()})
		return
	}
	m.publish(replyChannel, wireMessage{RequestID: wm.RequestID, Sender: m.instanceID, Reply: true, Data: encoded})
}

func (m *Mesh) runHandlerHeartbeat(ctx context.Context, requestID, replyChannel string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(replyChannel, wireMessage{RequestID: requestID, Sender: m.instanceID, Heartbeat: true})
		}
	}
}

func (m *Mesh) publish(channel string, wm wireMessage) {
	data, err := json.Marshal(wm)
	if err != nil {
		m.logger.Warn("mesh: failed to encode outgoing message", "error", err)
		return
	}
	if err := m.runner.Client().Publish(context.Background(), channel, data).Err(); err != nil {
		m.logger.Warn("mesh: publish failed", "channel", channel, "error", err)
	}
}

// Invoke calls type on targetInstanceID with data and waits for its
// response. If targetInstanceID is this node's own ID, the handler runs
// synchronously with no network round trip.
func (m *Mesh) Invoke(ctx context.Context, targetInstanceID int64, requestType string, data any) (result json.RawMessage, retErr error) {
	ctx, span := meshTracer.Start(ctx, "mesh.invoke", trace.WithAttributes(
		attribute.String("mesh.key", m.key),
		attribute.String("mesh.request_type", requestType),
		attribute.Int64("mesh.target_instance_id", targetInstanceID),
	))
	defer func() { telemetry.EndSpan(span, retErr) }()

	m.mu.Lock()
	self := m.instanceID
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	if targetInstanceID == self {
		m.mu.Lock()
		handler, ok := m.handlers[requestType]
		m.mu.Unlock()
		if !ok {
			return nil, &ErrNoHandler{Type: requestType}
		}
		out, err := handler(ctx, mustMarshal(data))
		if err != nil {
			return nil, &ErrHandlerError{Message: err.Error()}
		}
		return mustMarshal(out), nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode request data: %w", err)
	}

	requestID := uuid.NewString()
	p := &pendingRequest{
		resultCh: make(chan pendingResult, 1),
		resetCh:  make(chan time.Duration, 1),
		doneCh:   make(chan struct{}),
	}

	m.mu.Lock()
	m.pending[requestID] = p
	m.mu.Unlock()

	go m.watchPending(requestID, p, m.opts.RequestTimeout)

	m.publish(m.nodeChannel(targetInstanceID), wireMessage{
		RequestID: requestID,
		Sender:    self,
		Type:      requestType,
		Data:      encoded,
		TimeoutMs: m.opts.RequestTimeout.Milliseconds(),
	})

	select {
	case res := <-p.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		m.failPending(requestID, ctx.Err())
		return nil, ctx.Err()
	}
}

func (m *Mesh) watchPending(requestID string, p *pendingRequest, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case d := <-p.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		case <-timer.C:
			m.failPending(requestID, ErrRequestTimeout)
			return
		case <-p.doneCh:
			return
		}
	}
}

func (m *Mesh) failPending(requestID string, err error) {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() {
		p.resultCh <- pendingResult{err: err}
		close(p.doneCh)
	})
}

// GetNodes returns every currently-heartbeating member of the mesh.
func (m *Mesh) GetNodes(ctx context.Context) ([]Node, error) {
	ids, err := m.runner.Client().ZRange(ctx, m.heartbeatsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("mesh: list members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	hosts, err := m.runner.Client().HMGet(ctx, m.nodesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("mesh: resolve hostnames: %w", err)
	}

	m.mu.Lock()
	self := m.instanceID
	m.mu.Unlock()

	nodes := make([]Node, 0, len(ids))
	for i, idStr := range ids {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		host, _ := hosts[i].(string)
		nodes = append(nodes, Node{InstanceID: id, Host: host, Self: id == self})
	}
	return nodes, nil
}

// Stop idempotently tears down this node: the internal Leader, both
// tickers, every pending request (failed with ErrStopped), the subscriber
// connection, and this node's own membership records.
func (m *Mesh) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	id := m.instanceID
	cancel := m.cancel
	pubsub := m.pubsub
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	for _, c := range m.handlerBeats {
		c()
	}
	m.handlerBeats = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	if m.leader != nil {
		m.leader.Stop()
	}
	if cancel != nil {
		cancel()
	}
	m.heartbeatWg.Wait()

	for _, p := range pending {
		p.once.Do(func() {
			p.resultCh <- pendingResult{err: ErrStopped}
			close(p.doneCh)
		})
	}

	if pubsub != nil {
		_ = pubsub.Close()
	}

	idStr := strconv.FormatInt(id, 10)
	if err := m.runner.Client().ZRem(ctx, m.heartbeatsKey(), idStr).Err(); err != nil {
		m.logger.Warn("mesh: failed to remove self from heartbeats on stop", "error", err)
	}
	if err := m.runner.Client().HDel(ctx, m.nodesKey(), idStr).Err(); err != nil {
		m.logger.Warn("mesh: failed to remove self from nodes on stop", "error", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
