// Package arbiter implements the SRPC upgrade arbiter from spec.md §4.5:
// when several independent subsystems might all want to claim an HTTP
// upgrade, the arbiter gives each a turn in registration order and backs
// off once one of them claims the underlying connection.
//
// Go's http.Hijacker replaces the "intercept the socket's write" trick the
// spec describes: claiming is detected by watching the hijacked net.Conn's
// first write for an "HTTP/1.1 101" status line, the same signal the spec
// calls for, just observed one layer lower than a raw socket shim.
package arbiter

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const claimPrefix = "HTTP/1.1 101"

// Listener is given a turn at an incoming upgrade request. It should call
// Hijack (directly or via a websocket upgrader) only if it intends to
// handle the connection; if it declines, it must return without writing
// anything so later listeners still get a chance.
type Listener func(w http.ResponseWriter, r *http.Request)

// UpgradeArbiter sequences upgrade Listeners and falls back to a delayed
// 400 response for connections nothing claims.
type UpgradeArbiter struct {
	mu            sync.Mutex
	listeners     []Listener
	byPath        map[string]Listener
	fallbackDelay time.Duration
	logger        *slog.Logger
}

// New builds an UpgradeArbiter. fallbackDelay defaults to 1s (spec.md §4.5).
func New(fallbackDelay time.Duration, logger *slog.Logger) *UpgradeArbiter {
	if fallbackDelay <= 0 {
		fallbackDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeArbiter{
		byPath:        make(map[string]Listener),
		fallbackDelay: fallbackDelay,
		logger:        logger,
	}
}

// AddListener registers a generic listener, tried in registration order.
func (a *UpgradeArbiter) AddListener(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// RegisterPath registers a listener scoped to wsPath, and adds it to the
// generic listener chain. Re-registering the same wsPath is a no-op that
// returns the handler already registered for it (spec.md §4.5).
func (a *UpgradeArbiter) RegisterPath(wsPath string, handler http.HandlerFunc) Listener {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byPath[wsPath]; ok {
		return existing
	}

	scoped := Listener(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wsPath {
			return
		}
		handler(w, r)
	})
	a.byPath[wsPath] = scoped
	a.listeners = append(a.listeners, scoped)
	return scoped
}

// ServeHTTP runs every registered listener in order against r, stopping as
// soon as one claims the connection. If none claim it synchronously, a
// delayed 400 is scheduled so asynchronous claimants still have a window.
func (a *UpgradeArbiter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	var claimed int32
	probe := &claimProbeWriter{ResponseWriter: w, claimed: &claimed}

	for _, l := range listeners {
		l(probe, r)
		if atomic.LoadInt32(&claimed) == 1 {
			return
		}
	}

	time.AfterFunc(a.fallbackDelay, func() {
		if atomic.LoadInt32(&claimed) == 1 {
			return
		}
		a.logger.Warn("arbiter: no listener claimed upgrade, rejecting", "path", r.URL.Path)
		hj, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
		_ = conn.Close()
	})
}

// claimProbeWriter wraps an http.ResponseWriter so that hijacking it
// returns a net.Conn whose first write is inspected for the 101 status
// line that marks the upgrade as claimed.
type claimProbeWriter struct {
	http.ResponseWriter
	claimed *int32
}

func (c *claimProbeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := c.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, rw, err
	}
	return &claimProbeConn{Conn: conn, claimed: c.claimed}, rw, nil
}

type claimProbeConn struct {
	net.Conn
	claimed *int32
	checked bool
}

func (c *claimProbeConn) Write(b []byte) (int, error) {
	if !c.checked {
		c.checked = true
		if len(b) >= len(claimPrefix) && strings.EqualFold(string(b[:len(claimPrefix)]), claimPrefix) {
			atomic.StoreInt32(c.claimed, 1)
		}
	}
	return c.Conn.Write(b)
}
