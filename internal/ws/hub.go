// Package ws streams fleet events to connected clients. The stream is
// push-only: update progress, incident activity and batch completions are
// broadcast to everyone; nothing a client sends is interpreted. A client that
// cannot keep up is dropped rather than allowed to block the fleet.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// sendBuffer is how many pending events a client may fall behind before
	// it is dropped.
	sendBuffer = 32
)

// Event is the wire shape of one pushed message.
type Event struct {
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// Hub fans events out to all connected clients.
type Hub struct {
	// Authorize validates the token passed as the "token" query parameter.
	// Nil disables authentication.
	Authorize func(token string) error

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	ws *websocket.Conn

	// send is closed by the hub, and only by the hub, to end the write loop.
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Authorize != nil {
		if err := h.Authorize(r.URL.Query().Get("token")); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The binary serves its API and event stream from one origin;
		// cross-origin dashboards are the operator's own doing.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("ws accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &conn{ws: sock, send: make(chan []byte, sendBuffer)}
	h.add(c)
	slog.Debug("ws client connected", "remote", r.RemoteAddr, "clients", h.Count())

	go c.writeLoop(h)

	// The read loop exists to notice the close handshake; client payloads
	// are discarded.
	sock.SetReadLimit(512)
	for {
		if _, _, err := sock.Read(r.Context()); err != nil {
			break
		}
	}
	h.remove(c)
	slog.Debug("ws client disconnected", "remote", r.RemoteAddr, "clients", h.Count())
}

// Broadcast marshals the event once and queues it to every client. Clients
// with a full queue are dropped on the spot so one stalled reader never
// delays the rest.
func (h *Hub) Broadcast(event string, data any) {
	raw, err := json.Marshal(Event{Event: event, Data: data, Time: time.Now().UTC()})
	if err != nil {
		slog.Error("ws event marshal failed", "event", event, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- raw:
		default:
			delete(h.conns, c)
			close(c.send)
			slog.Warn("ws client dropped, not keeping up", "event", event)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		delete(h.conns, c)
		close(c.send)
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// remove unregisters the connection. Sends into c.send only happen under the
// hub lock while the connection is still registered, so closing here is safe.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
}

func (c *conn) writeLoop(h *Hub) {
	defer c.ws.Close(websocket.StatusNormalClosure, "")

	for raw := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			h.remove(c)
			for range c.send {
			}
			return
		}
	}
}
