package substream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signal24/dk-server-foundation/internal/srpc/wire"
)

// fakeHost is a HostStream that loops operations straight back into a
// Manager, simulating two peers sharing a single in-process "socket".
type fakeHost struct {
	mu      sync.Mutex
	buffer  int
	deliver func(op wire.ByteStreamOperation)
}

func (h *fakeHost) SendByteStreamOperation(op wire.ByteStreamOperation) error {
	h.mu.Lock()
	if op.Write != nil {
		h.buffer += len(op.Write.Chunk)
	}
	h.mu.Unlock()
	h.deliver(op)
	return nil
}

func (h *fakeHost) GetBufferedAmount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buffer
}

func (h *fakeHost) drain(n int) {
	h.mu.Lock()
	h.buffer -= n
	if h.buffer < 0 {
		h.buffer = 0
	}
	h.mu.Unlock()
}

func TestSubstreamChunksArriveInOrder(t *testing.T) {
	var got [][]byte
	done := make(chan struct{})

	hostA := &fakeHost{}
	hostB := &fakeHost{}
	mgrA := NewManager(hostA, true, nil)
	mgrB := NewManager(hostB, false, nil)
	hostA.deliver = func(op wire.ByteStreamOperation) { mgrB.HandleOperation(op) }
	hostB.deliver = func(op wire.ByteStreamOperation) { mgrA.HandleOperation(op) }

	sender := mgrA.NewSender()
	_, err := mgrB.CreateReceiver(sender.ID(), func(chunk []byte) {
		got = append(got, chunk)
	}, func() { close(done) }, func(error) { close(done) })
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := sender.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := sender.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receiver never finished")
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(got))
	}
	for i, c := range got {
		if c[0] != byte(i) {
			t.Fatalf("chunk %d out of order: got %d", i, c[0])
		}
	}
}

func TestSenderIDsDoNotCollideAcrossSides(t *testing.T) {
	hostA := &fakeHost{deliver: func(wire.ByteStreamOperation) {}}
	hostB := &fakeHost{deliver: func(wire.ByteStreamOperation) {}}
	mgrA := NewManager(hostA, true, nil)
	mgrB := NewManager(hostB, false, nil)

	for i := 0; i < 3; i++ {
		a := mgrA.NewSender()
		b := mgrB.NewSender()
		if a.ID() == b.ID() {
			t.Fatalf("id collision at iteration %d: %d == %d", i, a.ID(), b.ID())
		}
		if a.ID()%2 == 0 {
			t.Fatalf("side A id %d should be odd", a.ID())
		}
		if b.ID()%2 != 0 {
			t.Fatalf("side B id %d should be even", b.ID())
		}
	}
}

func TestSenderBlocksUntilDrainBelowHighWaterMark(t *testing.T) {
	host := &fakeHost{deliver: func(wire.ByteStreamOperation) {}}
	mgr := NewManager(host, true, nil)
	sender := mgr.NewSender()

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- sender.Write(make([]byte, highWaterMark))
	}()

	select {
	case <-writeDone:
		t.Fatal("write should have blocked above high water mark")
	case <-time.After(30 * time.Millisecond):
	}

	host.drain(highWaterMark)

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write never unblocked after drain")
	}
}

func TestPendingReceiverRaceBuffersAndReplays(t *testing.T) {
	mgr := NewManager(&fakeHost{deliver: func(wire.ByteStreamOperation) {}}, true, nil)

	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 7, Write: &wire.ByteStreamWrite{Chunk: []byte("a")}})
	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 7, Write: &wire.ByteStreamWrite{Chunk: []byte("b")}})
	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 7, Finish: &struct{}{}})

	var got []byte
	ended := false
	_, err := mgr.CreateReceiver(7, func(c []byte) { got = append(got, c...) }, func() { ended = true }, func(error) {})
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("expected replayed chunks 'ab', got %q", got)
	}
	if !ended {
		t.Fatal("expected buffered finish to replay")
	}
}

func TestPendingReceiverCapLatchesDestroyedError(t *testing.T) {
	mgr := NewManager(&fakeHost{deliver: func(wire.ByteStreamOperation) {}}, true, nil)

	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 9, Write: &wire.ByteStreamWrite{Chunk: make([]byte, pendingCap)}})
	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 9, Write: &wire.ByteStreamWrite{Chunk: []byte("x")}})

	var gotErr error
	_, err := mgr.CreateReceiver(9, func([]byte) {}, func() {}, func(e error) { gotErr = e })
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	if gotErr == nil {
		t.Fatal("expected latched destroyed error after cap breach")
	}
}

func TestPendingReceiverTTLLatchesAfterExpiry(t *testing.T) {
	mgr := NewManager(&fakeHost{deliver: func(wire.ByteStreamOperation) {}}, true, nil)
	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 3, Write: &wire.ByteStreamWrite{Chunk: []byte("x")}})

	mgr.mu.Lock()
	mgr.pending[3].createdAt = time.Now().Add(-pendingTTL - time.Millisecond)
	mgr.mu.Unlock()

	var gotErr error
	_, err := mgr.CreateReceiver(3, func([]byte) {}, func() {}, func(e error) { gotErr = e })
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	if gotErr == nil {
		t.Fatal("expected ttl-expired pending receiver to latch an error")
	}
}

func TestRemoteDestroySignalFailsReceiver(t *testing.T) {
	mgr := NewManager(&fakeHost{deliver: func(wire.ByteStreamOperation) {}}, true, nil)

	var gotErr error
	_, err := mgr.CreateReceiver(11, func([]byte) {}, func() {}, func(e error) { gotErr = e })
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}

	mgr.HandleOperation(wire.ByteStreamOperation{StreamID: 11, Destroy: &wire.ByteStreamDestroy{Error: "peer refused"}})

	if gotErr == nil || gotErr.Error() != "peer refused" {
		t.Fatalf("expected receiver destroy error 'peer refused', got %v", gotErr)
	}
}

func TestDisconnectLocallyDestroysEverySubstream(t *testing.T) {
	host := &fakeHost{deliver: func(wire.ByteStreamOperation) {}}
	mgr := NewManager(host, true, nil)
	sender := mgr.NewSender()

	var recvErr error
	_, err := mgr.CreateReceiver(2, func([]byte) {}, func() {}, func(e error) { recvErr = e })
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}

	mgr.HandleDisconnect()

	if recvErr == nil {
		t.Fatal("expected receiver to be destroyed on disconnect")
	}
	if err := sender.Write([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected sender destroyed after disconnect, got %v", err)
	}
}
