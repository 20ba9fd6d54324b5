package watchfeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForSubscriber(t *testing.T, f *Feed) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.clients)
		f.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a subscriber to register")
}

func TestPublishReachesSubscriber(t *testing.T) {
	f := New()
	srv := httptest.NewServer(f)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitForSubscriber(t, f)

	f.Publish(Event{Kind: EventCompactionStarted, At: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != EventCompactionStarted {
		t.Fatalf("kind = %q", got.Kind)
	}
}

func TestPublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	f := New()
	f.Publish(Event{Kind: EventCompactionFinished, At: time.Now()})
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	f := New()
	srv := httptest.NewServer(f)
	defer srv.Close()

	conn := dial(t, srv)
	waitForSubscriber(t, f)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.clients)
		f.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected subscriber to be removed after disconnect")
}
