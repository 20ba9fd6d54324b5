// Package watchfeed broadcasts maintenance progress to local observers
// over a websocket (spec §9's "debug surface", C16): best-effort,
// fire-and-forget, entirely optional. The engine runs identically with
// zero subscribers connected.
package watchfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind enumerates the points in a compaction run a subscriber might
// care about.
type EventKind string

const (
	EventCompactionStarted  EventKind = "compaction_started"
	EventBlockSuperseded    EventKind = "block_superseded"
	EventBlockDeleted       EventKind = "block_deleted"
	EventIndexesRebuilt     EventKind = "indexes_rebuilt"
	EventCompactionFinished EventKind = "compaction_finished"
	EventCompactionFailed   EventKind = "compaction_failed"
)

// Event is one MaintenanceEvent frame, broadcast as JSON to every
// connected subscriber.
type Event struct {
	Kind    EventKind `json:"kind"`
	BlockID *int64    `json:"block_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Loopback-oriented diagnostic surface (spec §6): any origin is
	// accepted rather than checked against a configured allowlist.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed fans a stream of Events out to every connected websocket client.
// It never blocks a publisher on a slow subscriber: each connection has
// its own buffered send channel, and a connection that can't keep up is
// dropped rather than allowed to back up Publish.
type Feed struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// New returns an empty Feed ready to accept subscribers and publish
// events.
func New() *Feed {
	return &Feed{clients: make(map[*client]struct{})}
}

// Publish broadcasts event to every currently-connected subscriber.
// Called by the top-level engine at each stage of a compaction run; a
// Feed with no subscribers does nothing but iterate an empty map.
func (f *Feed) Publish(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- event:
		default:
			// Subscriber isn't draining fast enough; drop it rather than
			// block compaction on a slow websocket peer.
			c.close()
			delete(f.clients, c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams every
// subsequently-published Event to it until the connection closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{send: make(chan Event, 32), done: make(chan struct{})}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
	}()

	// Drain (and discard) incoming frames so the connection's read
	// deadline/close handling fires; this endpoint is publish-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.close()
				return
			}
		}
	}()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			b, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
