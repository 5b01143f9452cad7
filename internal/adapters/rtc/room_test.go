package rtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var roomTestUpgrader = websocket.Upgrader{}

func TestEnqueueKeepsCallbackOrder(t *testing.T) {
	r := newRoom(nil, "ws://unused", nil)

	// Park the dispatcher so the queue backs up well past its buffer.
	gate := make(chan struct{})
	r.enqueue(func() { <-gate })

	const n = 200
	var mu sync.Mutex
	var got []int
	produced := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			i := i
			r.enqueue(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
		}
		close(produced)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	select {
	case <-produced:
	case <-time.After(2 * time.Second):
		t.Fatal("producer stuck, queue never drained")
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "callbacks not all dispatched")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d dispatched out of order as %d", i, v)
		}
	}
}

func TestEnqueueUnblocksOnTeardown(t *testing.T) {
	r := newRoom(nil, "ws://unused", nil)
	gate := make(chan struct{})
	defer close(gate)
	entered := make(chan struct{})
	r.enqueue(func() { close(entered); <-gate })
	<-entered
	for i := 0; i < cap(r.events); i++ {
		r.enqueue(func() {})
	}

	blocked := make(chan struct{})
	go func() {
		r.enqueue(func() {})
		close(blocked)
	}()

	r.teardown()
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue still blocked after teardown")
	}
}

func TestLeaveFlushesLeaveFrame(t *testing.T) {
	frames := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := roomTestUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				frames <- f.Type
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	r := newRoom(nil, url, nil)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	r.mu.Lock()
	r.conn = conn
	r.send = make(chan []byte, 32)
	r.writeDone = make(chan struct{})
	r.mu.Unlock()
	go r.writePump(conn)
	go r.readPump(conn)

	if err := r.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}

	select {
	case typ := <-frames:
		if typ != frameLeave {
			t.Fatalf("expected %s frame, got %s", frameLeave, typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leave frame never reached the server")
	}
}
