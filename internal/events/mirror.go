package events

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// mirrorQueueLen is the per-client line buffer. Clients that fall this far
// behind start losing lines rather than slowing the pipeline.
const mirrorQueueLen = 256

// Mirror replays emitted event lines to connected WebSocket clients.
// Broadcast never blocks: each client has a bounded queue and lines are
// dropped per client when the queue is full.
type Mirror struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	closed  bool
}

// NewMirror returns an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{clients: make(map[chan []byte]struct{})}
}

// Broadcast enqueues one line (without newline) to every connected client.
func (m *Mirror) Broadcast(line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.clients {
		select {
		case ch <- cp:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Mirror) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *Mirror) add(ch chan []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.clients[ch] = struct{}{}
	return true
}

func (m *Mirror) remove(ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, ch)
}

// Close disconnects all clients and rejects future ones.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
}

// ServeHTTP upgrades the request to a WebSocket and streams event lines as
// text messages until the client disconnects or the Mirror closes.
func (m *Mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("event mirror: websocket accept failed", "error", err)
		return
	}

	ch := make(chan []byte, mirrorQueueLen)
	if !m.add(ch) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer m.remove(ch)

	// The mirror is write-only; CloseRead surfaces client disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case line, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, line); err != nil {
				return
			}
		}
	}
}
