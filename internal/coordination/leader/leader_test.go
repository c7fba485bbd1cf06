package leader

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/signal24/dk-server-foundation/internal/coordination/redislock"
)

func newTestLeader(t *testing.T, key string, opts Options) (*Leader, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	runner := redislock.NewScriptRunner(client)
	return New("test", key, runner, opts, nil), mr
}

// TestLeaderSingleAcquirer implements end-to-end scenario 2 from spec.md §8:
// a lone process seeking leadership becomes leader and stays leader across
// several renewal intervals.
func TestLeaderSingleAcquirer(t *testing.T) {
	l, _ := newTestLeader(t, "scenario2", Options{TTL: 200 * time.Millisecond, RenewalDelay: 30 * time.Millisecond, RetryDelay: 20 * time.Millisecond})

	var became int32
	l.OnBecameLeader(func() error {
		atomic.AddInt32(&became, 1)
		return nil
	})

	l.Start()
	defer l.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !l.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if !l.IsLeader() {
		t.Fatal("leadership was lost despite healthy renewal")
	}
	if atomic.LoadInt32(&became) != 1 {
		t.Fatalf("expected exactly one onBecameLeader call, got %d", became)
	}
}

// TestLeaderHandoff has two Leaders contend for the same key against the
// same Redis instance. The first to Start should win; once it Stops, the
// second should pick up leadership at its own first generation (1).
func TestLeaderHandoff(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	runner := redislock.NewScriptRunner(client)

	opts := Options{TTL: 150 * time.Millisecond, RenewalDelay: 20 * time.Millisecond, RetryDelay: 20 * time.Millisecond}
	a := New("test", "handoff", runner, opts, nil)
	b := New("test", "handoff", runner, opts, nil)

	var bBecameLeader int32
	b.OnBecameLeader(func() error {
		atomic.AddInt32(&bBecameLeader, 1)
		return nil
	})

	a.Start()
	b.Start()
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !a.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("A never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if b.IsLeader() {
		t.Fatal("B should not be leader while A holds the key")
	}

	a.Stop()

	deadline = time.Now().Add(3 * time.Second)
	for !b.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("B never took over leadership after A stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&bBecameLeader) != 1 {
		t.Fatalf("expected B to become leader exactly once, got %d", bBecameLeader)
	}
	if b.Generation() != 1 {
		t.Fatalf("expected B's first generation to be 1, got %d", b.Generation())
	}
}

func TestLeaderStopIsIdempotentAndDoesNotFireLost(t *testing.T) {
	l, _ := newTestLeader(t, "stop-test", Options{TTL: 200 * time.Millisecond, RenewalDelay: 30 * time.Millisecond, RetryDelay: 20 * time.Millisecond})

	var lost int32
	l.OnLostLeader(func() error {
		atomic.AddInt32(&lost, 1)
		return nil
	})

	l.Start()
	deadline := time.Now().Add(2 * time.Second)
	for !l.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("never became leader")
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.Stop()
	l.Stop() // idempotent

	if atomic.LoadInt32(&lost) != 0 {
		t.Fatalf("onLostLeader should not fire on Stop, fired %d times", lost)
	}
	if l.State() != StateStopped {
		t.Fatalf("expected Stopped state, got %v", l.State())
	}
}
