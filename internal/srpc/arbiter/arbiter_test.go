package arbiter

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestArbiterClaimOrder implements end-to-end scenario 5 from spec.md §8:
// two upgrade listeners are registered; a request to /ws is claimed by the
// first (a real websocket upgrade), and the second listener never runs.
func TestArbiterClaimOrder(t *testing.T) {
	a := New(200*time.Millisecond, nil)

	upgrader := websocket.Upgrader{}
	a.RegisterPath("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
	})

	var secondInvoked int32
	a.AddListener(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secondInvoked, 1)
	})

	server := httptest.NewServer(a)
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):] + "/ws?x=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&secondInvoked) != 0 {
		t.Fatalf("second listener should not have been invoked, was called %d times", secondInvoked)
	}
}

// TestArbiterFallsThroughToSecondListener confirms a request to a path
// nobody claims reaches the next listener in chain.
func TestArbiterFallsThroughToSecondListener(t *testing.T) {
	a := New(200*time.Millisecond, nil)

	a.RegisterPath("/ws", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("SRPC listener should not run for /other")
	})

	reached := make(chan struct{}, 1)
	a.AddListener(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/other" {
			return
		}
		w.WriteHeader(http.StatusOK)
		reached <- struct{}{}
	})

	server := httptest.NewServer(a)
	defer server.Close()

	resp, err := http.Get(server.URL + "/other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("second listener never ran for /other")
	}
}
