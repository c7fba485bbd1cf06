// Package server implements the SRPC server half of the duplex WebSocket
// protocol described in spec.md §4.6: HMAC-authenticated handshake,
// request/response dispatch by type prefix, ping/pong liveness, and
// server-initiated requests.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/mod/semver"

	"github.com/signal24/dk-server-foundation/internal/srpc/wire"
	"github.com/signal24/dk-server-foundation/internal/telemetry"
)

var srpcServerMeter = telemetry.Meter("github.com/signal24/dk-server-foundation/srpc/server")

var srpcConnectionsTotal, _ = srpcServerMeter.Int64UpDownCounter(
	"srpc.server.connections",
	metric.WithDescription("Currently connected SRPC streams"),
	metric.WithUnit("{connection}"),
)

// HandlerFunc answers a client-initiated request of the registered type.
type HandlerFunc func(ctx context.Context, stream *Stream, payload json.RawMessage) (any, error)

// ClientKeyFetcher resolves a client id to its shared HMAC secret.
type ClientKeyFetcher func(cid string) (secret string, ok bool)

// ClientAuthorizer inspects handshake meta and may reject the connection
// or return enriched meta to attach to the Stream.
type ClientAuthorizer func(meta map[string]string) (enriched map[string]string, ok bool)

// ByteStreamSink receives byteStreamOperation envelopes for a Stream, and
// is notified when the stream closes so it can locally destroy every open
// substream (spec.md §4.8). The substream package implements this; servers
// that never use substreams can leave it nil.
type ByteStreamSink interface {
	HandleOperation(op wire.ByteStreamOperation)
	HandleDisconnect()
}

// Options configures protocol timing. Zero values pick spec.md §4.6
// defaults.
type Options struct {
	AuthClockDrift   time.Duration // default 30s
	HandshakeTimeout time.Duration // default 10s
	PingInterval     time.Duration // default 30s
	PongTimeout      time.Duration // default 75s
	MaxConns         int           // default 0 (unlimited)
	AppVersion       string        // this server's version, compared against the client's appv
}

func (o Options) withDefaults() Options {
	if o.AuthClockDrift <= 0 {
		o.AuthClockDrift = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 75 * time.Second
	}
	return o
}

// Server is the SRPC server: handshake validation plus type-routed
// request/response dispatch across every connected Stream.
type Server struct {
	codec         wire.FrameCodec
	secretFetcher ClientKeyFetcher
	authorizer    ClientAuthorizer
	opts          Options
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	mu           sync.Mutex
	handlers     map[string]HandlerFunc
	streams      map[string]*Stream
	onConnection func(*Stream)
	connSem      chan struct{}
}

// New builds a Server. secretFetcher and authorizer are required
// collaborators for the handshake (spec.md §4.6 steps 3 and 5).
func New(secretFetcher ClientKeyFetcher, authorizer ClientAuthorizer, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		codec:         wire.JSONCodec{},
		secretFetcher: secretFetcher,
		authorizer:    authorizer,
		opts:          opts.withDefaults(),
		logger:        logger,
		upgrader:      websocket.Upgrader{},
		handlers:      make(map[string]HandlerFunc),
		streams:       make(map[string]*Stream),
	}
	if opts.MaxConns > 0 {
		s.connSem = make(chan struct{}, opts.MaxConns)
	}
	return s
}

// HandleFunc registers a handler for requests of the given type prefix.
func (s *Server) HandleFunc(requestType string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[requestType] = fn
}

// OnConnection registers a callback fired once a Stream completes its
// handshake (spec.md §4.6 step 6).
func (s *Server) OnConnection(fn func(*Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnection = fn
}

// ServeHTTP implements the upgrade handler registered with an
// arbiter.UpgradeArbiter (or any http.Handler chain) at wsPath.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	query := r.URL.Query()
	authv := query.Get("authv")
	appv := query.Get("appv")
	tsStr := query.Get("ts")
	id := query.Get("id")
	cid := query.Get("cid")
	signature := query.Get("signature")
	meta := map[string]string{}
	for k, v := range query {
		if strings.HasPrefix(k, "m--") && len(v) > 0 {
			meta[strings.TrimPrefix(k, "m--")] = v[0]
		}
	}

	if err := s.authenticate(authv, appv, tsStr, id, cid, signature); err != nil {
		s.release()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	enrichedMeta, ok := s.authorizer(meta)
	if !ok {
		s.release()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.logger.Warn("srpc: upgrade failed", "error", err)
		return
	}

	stream := newStream(id, cid, enrichedMeta, conn, s.codec, s.logger)
	go s.runStream(stream)
}

func (s *Server) authenticate(authv, appv, tsStr, id, cid, signature string) error {
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return ErrAuthFailed
	}
	drift := time.Since(time.UnixMilli(ts))
	if drift < 0 {
		drift = -drift
	}
	if drift > s.opts.AuthClockDrift {
		return ErrAuthFailed
	}

	if s.opts.AppVersion != "" && appv != "" && !versionsCompatible(s.opts.AppVersion, appv) {
		return ErrAuthFailed
	}

	secret, ok := s.secretFetcher(cid)
	if !ok {
		return ErrAuthFailed
	}

	message := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n", authv, appv, tsStr, id, cid)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrAuthFailed
	}
	return nil
}

// versionsCompatible implements the teacher's major/minor compatibility
// rule: a major-version mismatch is a hard failure, a minor mismatch is
// accepted.
func versionsCompatible(serverVersion, clientVersion string) bool {
	sv, cv := normalizeSemver(serverVersion), normalizeSemver(clientVersion)
	if !semver.IsValid(sv) || !semver.IsValid(cv) {
		return true
	}
	return semver.Major(sv) == semver.Major(cv)
}

func normalizeSemver(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func (s *Server) release() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) runStream(stream *Stream) {
	defer func() {
		s.mu.Lock()
		delete(s.streams, stream.id)
		s.mu.Unlock()
		s.release()
		stream.closeLocal(websocket.CloseNormalClosure, "")
	}()

	if err := stream.sendPing(); err != nil {
		return
	}
	if !stream.awaitHandshakePong(s.opts.HandshakeTimeout) {
		stream.closeLocal(ClosePongTimeout, "handshake timed out")
		return
	}

	s.mu.Lock()
	s.streams[stream.id] = stream
	onConn := s.onConnection
	s.mu.Unlock()

	if srpcConnectionsTotal != nil {
		srpcConnectionsTotal.Add(context.Background(), 1)
		defer srpcConnectionsTotal.Add(context.Background(), -1)
	}

	if onConn != nil {
		onConn(stream)
	}

	go stream.runPingLoop(s.opts.PingInterval, s.opts.PongTimeout)
	stream.runReadLoop(s.handlerLookup)
}

func (s *Server) handlerLookup(typ string) (HandlerFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.handlers[typ]
	return fn, ok
}

// Stream looks up a currently connected Stream by id.
func (s *Server) Stream(id string) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// Broadcast sends a server-initiated request to every connected stream,
// ignoring individual send failures (logged).
func (s *Server) Broadcast(ctx context.Context, typ string, data any, timeout time.Duration) {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		go func(st *Stream) {
			if _, err := st.Invoke(ctx, typ, data, timeout); err != nil {
				s.logger.Warn("srpc: broadcast invoke failed", "stream", st.id, "error", err)
			}
		}(st)
	}
}
