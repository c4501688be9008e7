package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/ingest/batch"
	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

const (
	clientBuffer = 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// ProgressMessage is the frame written to /ws/sync clients.
type ProgressMessage struct {
	Type     string                  `json:"type"`
	Progress *batch.ProgressSnapshot `json:"progress,omitempty"`
	Percent  float64                 `json:"percent"`
}

// Hub fans sync progress snapshots out to websocket clients. Slow clients drop
// snapshots rather than stall the sync.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]chan batch.ProgressSnapshot
	closed  bool
	logger  logging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		clients: make(map[string]chan batch.ProgressSnapshot),
		logger:  logger.With(logging.F("component", "progress_hub")),
	}
}

// Broadcast sends snap to every client. It never blocks; pass it to
// batch.WithProgressListener.
func (h *Hub) Broadcast(snap batch.ProgressSnapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.clients {
		select {
		case ch <- snap:
		default:
			h.logger.Debug("Dropped progress snapshot for slow client", logging.F("client_id", id))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (string, <-chan batch.ProgressSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	ch := make(chan batch.ProgressSnapshot, clientBuffer)
	h.clients[id] = ch
	return id, ch, true
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

// Handler serves a websocket that first sends the current progress, if any, then every
// broadcast snapshot.
func (h *Hub) Handler(current ProgressSource) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		id, updates, ok := h.subscribe()
		if !ok {
			return
		}
		defer h.unsubscribe(id)
		h.logger.Debug("Progress client connected", logging.F("client_id", id))

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if current != nil {
			if p := current.Progress(); p != nil {
				if err := write(conn, p.Snapshot()); err != nil {
					return
				}
			}
		}

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				if err := write(conn, snap); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}

func write(conn *websocket.Conn, snap batch.ProgressSnapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msgType := "progress"
	if snap.IsDone() {
		msgType = "completed"
	}
	return conn.WriteJSON(ProgressMessage{Type: msgType, Progress: &snap, Percent: snap.PercentComplete()})
}
