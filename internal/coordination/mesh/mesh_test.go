package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/signal24/dk-server-foundation/internal/coordination/redislock"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	Text string `json:"text"`
}

func newTestNode(t *testing.T, addr, key, host string, opts Options) *Mesh {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	sub := redis.NewClient(&redis.Options{Addr: addr})
	runner := redislock.NewScriptRunner(client)
	return New("test", key, host, runner, sub, opts, nil)
}

// TestMeshEcho implements end-to-end scenario 3 from spec.md §8: two nodes
// on the same key both register an echo handler; after settling, each can
// invoke the other and get "echo: <text>" back.
func TestMeshEcho(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{HeartbeatInterval: 50 * time.Millisecond, RequestTimeout: time.Second}

	n1 := newTestNode(t, mr.Addr(), "M2", "host1", opts)
	n2 := newTestNode(t, mr.Addr(), "M2", "host2", opts)

	echoHandler := func(ctx context.Context, data json.RawMessage) (any, error) {
		var req echoRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return echoResponse{Text: "echo: " + req.Text}, nil
	}
	n1.HandleFunc("echo", echoHandler)
	n2.HandleFunc("echo", echoHandler)

	ctx := context.Background()
	id1, err := n1.Start(ctx)
	if err != nil {
		t.Fatalf("n1 start: %v", err)
	}
	id2, err := n2.Start(ctx)
	if err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n1.Stop(ctx)
	defer n2.Stop(ctx)

	time.Sleep(100 * time.Millisecond)

	raw, err := n2.Invoke(ctx, id1, "echo", echoRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("n2 invoke n1: %v", err)
	}
	var resp echoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Text != "echo: hello" {
		t.Fatalf("expected %q, got %q", "echo: hello", resp.Text)
	}

	raw, err = n1.Invoke(ctx, id2, "echo", echoRequest{Text: "world"})
	if err != nil {
		t.Fatalf("n1 invoke n2: %v", err)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Text != "echo: world" {
		t.Fatalf("expected %q, got %q", "echo: world", resp.Text)
	}
}

func TestMeshInvokeSelf(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{HeartbeatInterval: 50 * time.Millisecond, RequestTimeout: time.Second}
	n1 := newTestNode(t, mr.Addr(), "self", "host1", opts)
	n1.HandleFunc("echo", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req echoRequest
		_ = json.Unmarshal(data, &req)
		return echoResponse{Text: "echo: " + req.Text}, nil
	})

	ctx := context.Background()
	id, err := n1.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer n1.Stop(ctx)

	raw, err := n1.Invoke(ctx, id, "echo", echoRequest{Text: "loopback"})
	if err != nil {
		t.Fatalf("invoke self: %v", err)
	}
	var resp echoResponse
	_ = json.Unmarshal(raw, &resp)
	if resp.Text != "echo: loopback" {
		t.Fatalf("expected echo: loopback, got %q", resp.Text)
	}
}

func TestMeshNoHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{HeartbeatInterval: 50 * time.Millisecond, RequestTimeout: time.Second}
	n1 := newTestNode(t, mr.Addr(), "nohandler", "host1", opts)
	n2 := newTestNode(t, mr.Addr(), "nohandler", "host2", opts)

	ctx := context.Background()
	id1, _ := n1.Start(ctx)
	_, err := n2.Start(ctx)
	if err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n1.Stop(ctx)
	defer n2.Stop(ctx)

	time.Sleep(100 * time.Millisecond)

	_, err = n2.Invoke(ctx, id1, "nonexistent", echoRequest{Text: "x"})
	if _, ok := err.(*ErrNoHandler); !ok {
		t.Fatalf("expected ErrNoHandler, got %v (%T)", err, err)
	}
}

// TestMeshCleanup implements end-to-end scenario 4 from spec.md §8: a
// simulated crash (heartbeat stops) leads to the surviving leader removing
// the dead node from the heartbeats set within nodeTtlMs+heartbeatInterval.
func TestMeshCleanup(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{HeartbeatInterval: 30 * time.Millisecond, NodeTTL: 60 * time.Millisecond, RequestTimeout: time.Second}

	n1 := newTestNode(t, mr.Addr(), "M4", "host1", opts)
	n2 := newTestNode(t, mr.Addr(), "M4", "host2", opts)

	ctx := context.Background()
	_, err := n1.Start(ctx)
	if err != nil {
		t.Fatalf("n1 start: %v", err)
	}
	id2, err := n2.Start(ctx)
	if err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n1.Stop(ctx)

	time.Sleep(80 * time.Millisecond)
	nodes, err := n1.GetNodes(ctx)
	if err != nil {
		t.Fatalf("get nodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes before crash, got %d", len(nodes))
	}

	// Simulate N2 crashing: stop its heartbeat/leader goroutines without
	// going through the graceful Stop path that would remove it itself.
	n2.mu.Lock()
	cancel := n2.cancel
	n2.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n2.leader.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		nodes, err := n1.GetNodes(ctx)
		if err != nil {
			t.Fatalf("get nodes: %v", err)
		}
		if len(nodes) == 1 && nodes[0].InstanceID != id2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("N2 was never cleaned up, nodes=%v", nodes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestMeshCleanupFiresCallbackExactlyOnce is scenario 4 (spec.md §8): "N1
// (as leader) fires nodeCleanedUp(N2.id) exactly once."
func TestMeshCleanupFiresCallbackExactlyOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := Options{HeartbeatInterval: 30 * time.Millisecond, NodeTTL: 60 * time.Millisecond, RequestTimeout: time.Second}

	n1 := newTestNode(t, mr.Addr(), "M5", "host1", opts)
	n2 := newTestNode(t, mr.Addr(), "M5", "host2", opts)

	var mu sync.Mutex
	var cleanedUp []int64
	n1.OnNodeCleanedUp(func(id int64) {
		mu.Lock()
		cleanedUp = append(cleanedUp, id)
		mu.Unlock()
	})

	ctx := context.Background()
	if _, err := n1.Start(ctx); err != nil {
		t.Fatalf("n1 start: %v", err)
	}
	id2, err := n2.Start(ctx)
	if err != nil {
		t.Fatalf("n2 start: %v", err)
	}
	defer n1.Stop(ctx)

	time.Sleep(80 * time.Millisecond)

	n2.mu.Lock()
	cancel := n2.cancel
	n2.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n2.leader.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]int64(nil), cleanedUp...)
		mu.Unlock()
		if len(got) > 0 {
			if len(got) != 1 || got[0] != id2 {
				t.Fatalf("expected exactly one callback for id2=%d, got %v", id2, got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("onNodeCleanedUp never fired for id2=%d", id2)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
