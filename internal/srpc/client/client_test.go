package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signal24/dk-server-foundation/internal/srpc/server"
)

func newEchoServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	fetcher := func(cid string) (string, bool) {
		if cid == "client1" {
			return testSecret, true
		}
		return "", false
	}
	authorizer := func(meta map[string]string) (map[string]string, bool) { return meta, true }
	s := server.New(fetcher, authorizer, server.Options{}, nil)
	s.HandleFunc("echo", func(ctx context.Context, stream *server.Stream, payload json.RawMessage) (any, error) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"text": "echo: " + req.Text}, nil
	})
	httpServer := httptest.NewServer(s)
	t.Cleanup(httpServer.Close)
	return s, httpServer
}

const testSecret = "test-secret"

func TestClientConnectAndInvoke(t *testing.T) {
	_, httpServer := newEchoServer(t)
	wsURL := "ws" + httpServer.URL[len("http"):]

	connected := make(chan struct{}, 1)
	c := New(wsURL, Options{ClientID: "client1", Secret: testSecret, AppVersion: "1.0.0"}, nil)
	c.OnConnect(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	raw, err := c.Invoke(context.Background(), "echo", map[string]string{"text": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Text != "echo: hi" {
		t.Fatalf("expected 'echo: hi', got %q", resp.Text)
	}
}

func TestClientInvokeWithoutConnectionFails(t *testing.T) {
	c := New("ws://127.0.0.1:1/unused", Options{ClientID: "client1", Secret: testSecret}, nil)
	_, err := c.Invoke(context.Background(), "echo", nil, time.Second)
	if err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}
