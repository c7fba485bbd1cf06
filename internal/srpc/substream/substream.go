// Package substream implements the byte substream layered over an SRPC
// stream described in spec.md §4.8: a sender/receiver pair sharing a host
// stream's single WebSocket, with cooperative backpressure and a small
// race window at creation time bridged by a buffering PendingReceiver.
package substream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signal24/dk-server-foundation/internal/srpc/wire"
)

// ErrAlreadyExists is returned by CreateReceiver when id is already in use.
var ErrAlreadyExists = errors.New("substream: receiver already exists")

// ErrDestroyed is returned to callers observing a substream after it has
// been torn down, including PendingReceivers that latched an error.
var ErrDestroyed = errors.New("substream: destroyed")

const (
	highWaterMark     = 256 * 1024
	drainPollInterval = 10 * time.Millisecond
	pendingCap        = 2 * 1024 * 1024
	pendingTTL        = 5 * time.Second
)

// HostStream is the subset of server.Stream / client.Client a Manager
// needs: a single serialization point for writes plus a buffered-amount
// probe for backpressure (spec.md §4.8).
type HostStream interface {
	SendByteStreamOperation(op wire.ByteStreamOperation) error
	GetBufferedAmount() int
}

// Manager owns every sender and receiver substream multiplexed over one
// HostStream. Senders on one side of a connection start IDs at 1, the
// other at 2, stepping by 2, so concurrently allocated IDs on both ends
// never collide (spec.md §4.8).
type Manager struct {
	host   HostStream
	logger *slog.Logger

	nextID int64
	step   int64

	mu        sync.Mutex
	senders   map[int64]*Sender
	receivers map[int64]*Receiver
	pending   map[int64]*PendingReceiver
	destroyed bool
}

// NewManager builds a Manager for one side of a host stream. odd selects
// the 1-step-2 id sequence; the peer's Manager must pass the opposite
// value.
func NewManager(host HostStream, odd bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	start := int64(2)
	if odd {
		start = 1
	}
	return &Manager{
		host:      host,
		logger:    logger,
		nextID:    start,
		step:      2,
		senders:   make(map[int64]*Sender),
		receivers: make(map[int64]*Receiver),
		pending:   make(map[int64]*PendingReceiver),
	}
}

// NewSender allocates a substream id and returns a Sender writing to it.
func (m *Manager) NewSender() *Sender {
	m.mu.Lock()
	id := m.nextID
	m.nextID += m.step
	s := &Sender{id: id, host: m.host, mgr: m}
	m.senders[id] = s
	m.mu.Unlock()
	return s
}

// CreateReceiver registers a receiver for a peer-allocated id, replaying
// any chunks buffered by a race with the enclosing RPC reply (spec.md
// §4.8). Fails if id is already a live receiver.
func (m *Manager) CreateReceiver(id int64, onChunk func([]byte), onEnd func(), onError func(error)) (*Receiver, error) {
	m.mu.Lock()
	if _, ok := m.receivers[id]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	r := &Receiver{id: id, mgr: m, onChunk: onChunk, onEnd: onEnd, onError: onError}
	m.receivers[id] = r
	pending, hadPending := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()

	if hadPending {
		pending.replayInto(r)
	}
	return r, nil
}

// HandleOperation routes an inbound byteStreamOperation to its receiver or
// sender, buffering it in a PendingReceiver if neither yet exists (spec.md
// §4.8).
func (m *Manager) HandleOperation(op wire.ByteStreamOperation) {
	m.mu.Lock()
	if r, ok := m.receivers[op.StreamID]; ok {
		m.mu.Unlock()
		r.handle(op)
		return
	}
	if s, ok := m.senders[op.StreamID]; ok {
		m.mu.Unlock()
		// Only a destroy signal is meaningful to a sender: the remote
		// receiver is refusing more data (spec.md §4.8).
		if op.Destroy != nil {
			s.remoteDestroy(errors.New(op.Destroy.Error))
		}
		return
	}

	p, ok := m.pending[op.StreamID]
	if !ok {
		p = newPendingReceiver()
		m.pending[op.StreamID] = p
	}
	m.mu.Unlock()
	p.buffer(op)
}

// HandleDisconnect locally destroys every live sender and receiver,
// releasing any drain waiters so upstream callers observe the failure
// instead of hanging (spec.md §4.8).
func (m *Manager) HandleDisconnect() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	senders := m.senders
	receivers := m.receivers
	m.senders = make(map[int64]*Sender)
	m.receivers = make(map[int64]*Receiver)
	m.mu.Unlock()

	for _, s := range senders {
		s.remoteDestroy(ErrDestroyed)
	}
	for _, r := range receivers {
		r.fail(ErrDestroyed)
	}
}

func (m *Manager) removeSender(id int64) {
	m.mu.Lock()
	delete(m.senders, id)
	m.mu.Unlock()
}

func (m *Manager) removeReceiver(id int64) {
	m.mu.Lock()
	delete(m.receivers, id)
	m.mu.Unlock()
}

// Sender writes chunks to one substream id, observing the host stream's
// 256 KiB high-water mark cooperatively (spec.md §4.8).
type Sender struct {
	id   int64
	host HostStream
	mgr  *Manager

	mu        sync.Mutex
	destroyed bool
	destroyer error // set when destroy originated remotely
}

// ID returns the allocated substream id.
func (s *Sender) ID() int64 { return s.id }

// Write forwards chunk via the host stream and blocks until the host's
// buffered amount has drained back under the high-water mark, polling
// every 10ms (spec.md §4.8). No data is dropped; backpressure is purely
// cooperative on the caller.
func (s *Sender) Write(chunk []byte) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.mu.Unlock()

	if err := s.host.SendByteStreamOperation(wire.ByteStreamOperation{
		StreamID: s.id,
		Write:    &wire.ByteStreamWrite{Chunk: chunk},
	}); err != nil {
		return fmt.Errorf("substream: write: %w", err)
	}

	for s.host.GetBufferedAmount() >= highWaterMark {
		time.Sleep(drainPollInterval)
		s.mu.Lock()
		destroyed := s.destroyed
		s.mu.Unlock()
		if destroyed {
			return ErrDestroyed
		}
	}
	return nil
}

// End signals finish to the peer and locally cleans up.
func (s *Sender) End() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()
	s.mgr.removeSender(s.id)
	return s.host.SendByteStreamOperation(wire.ByteStreamOperation{
		StreamID: s.id,
		Finish:   &struct{}{},
	})
}

// Destroy tears the substream down locally and, unless the destroy
// originated from a remote signal, notifies the peer (spec.md §4.8).
func (s *Sender) Destroy(err error) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	remote := s.destroyer != nil
	s.mu.Unlock()
	s.mgr.removeSender(s.id)

	if remote {
		return nil
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return s.host.SendByteStreamOperation(wire.ByteStreamOperation{
		StreamID: s.id,
		Destroy:  &wire.ByteStreamDestroy{Error: msg},
	})
}

func (s *Sender) remoteDestroy(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.destroyer = err
	s.mu.Unlock()
	s.mgr.removeSender(s.id)
}

// Receiver consumes chunks for one peer-allocated substream id.
type Receiver struct {
	id      int64
	mgr     *Manager
	onChunk func([]byte)
	onEnd   func()
	onError func(error)

	mu   sync.Mutex
	done bool
}

// ID returns the substream id.
func (r *Receiver) ID() int64 { return r.id }

func (r *Receiver) handle(op wire.ByteStreamOperation) {
	switch {
	case op.Write != nil:
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		if !done && r.onChunk != nil {
			r.onChunk(op.Write.Chunk)
		}
	case op.Finish != nil:
		r.finish()
	case op.Destroy != nil:
		var err error
		if op.Destroy.Error != "" {
			err = errors.New(op.Destroy.Error)
		} else {
			err = ErrDestroyed
		}
		r.fail(err)
	}
}

func (r *Receiver) finish() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.mgr.removeReceiver(r.id)
	if r.onEnd != nil {
		r.onEnd()
	}
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.mgr.removeReceiver(r.id)
	if r.onError != nil {
		r.onError(err)
	}
}

// PendingReceiver buffers byteStreamOperations that arrive for an id
// before CreateReceiver has run, a race against the enclosing RPC reply
// that announces the id (spec.md §4.8). Caps at 2 MiB total / 5s TTL;
// breaching either latches destroyedError for the eventual receiver.
type PendingReceiver struct {
	mu        sync.Mutex
	createdAt time.Time
	chunks    [][]byte
	bytes     int
	finished  bool
	destroyed error
}

func newPendingReceiver() *PendingReceiver {
	return &PendingReceiver{createdAt: time.Now()}
}

func (p *PendingReceiver) buffer(op wire.ByteStreamOperation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed != nil {
		return
	}
	if time.Since(p.createdAt) > pendingTTL {
		p.destroyed = fmt.Errorf("substream: pending receiver ttl exceeded")
		return
	}

	switch {
	case op.Write != nil:
		if p.bytes+len(op.Write.Chunk) > pendingCap {
			p.destroyed = fmt.Errorf("substream: pending receiver exceeded %d bytes", pendingCap)
			return
		}
		p.chunks = append(p.chunks, op.Write.Chunk)
		p.bytes += len(op.Write.Chunk)
	case op.Finish != nil:
		p.finished = true
	case op.Destroy != nil:
		if op.Destroy.Error != "" {
			p.destroyed = errors.New(op.Destroy.Error)
		} else {
			p.destroyed = ErrDestroyed
		}
	}
}

func (p *PendingReceiver) replayInto(r *Receiver) {
	p.mu.Lock()
	chunks := p.chunks
	finished := p.finished
	destroyed := p.destroyed
	ttlExpired := time.Since(p.createdAt) > pendingTTL && destroyed == nil
	p.mu.Unlock()

	if ttlExpired {
		destroyed = fmt.Errorf("substream: pending receiver ttl exceeded")
	}

	for _, c := range chunks {
		r.handle(wire.ByteStreamOperation{StreamID: r.id, Write: &wire.ByteStreamWrite{Chunk: c}})
	}
	if destroyed != nil {
		r.handle(wire.ByteStreamOperation{StreamID: r.id, Destroy: &wire.ByteStreamDestroy{Error: destroyed.Error()}})
		return
	}
	if finished {
		r.handle(wire.ByteStreamOperation{StreamID: r.id, Finish: &struct{}{}})
	}
}
