package apiserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType names one class of engine event pushed to /v1/events
// subscribers.
type EventType string

const (
	// EventRecordSaved fires after a local create or update commits.
	EventRecordSaved EventType = "record_saved"
	// EventRecordDeleted fires after a local delete commits.
	EventRecordDeleted EventType = "record_deleted"
	// EventSyncStarted fires when a sync pass is triggered.
	EventSyncStarted EventType = "sync_started"
	// EventSyncCompleted fires when a sync pass returns, with its report.
	EventSyncCompleted EventType = "sync_completed"
	// EventConnectivity fires on connectivity changes; also sent as the
	// first message after a client connects.
	EventConnectivity EventType = "connectivity"
)

// Event is one message on the event stream.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// hub fans events out to connected websocket clients. A client that
// cannot keep up is disconnected rather than allowed to stall the
// broadcast loop.
type hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

func newHub(logger *log.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

func (h *hub) start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

func (h *hub) stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// publish queues an event for broadcast. Never blocks; when the queue
// is full the event is dropped with a warning.
func (h *hub) publish(evt Event) {
	select {
	case h.events <- evt:
	case <-h.ctx.Done():
	default:
		h.logger.Printf("Warning: event queue full, dropping %s", evt.Type)
	}
}

func (h *hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case evt := <-h.events:
			if evt.Timestamp.IsZero() {
				evt.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Printf("Warning: failed to encode %s event: %v", evt.Type, err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			// Writes happen outside the lock so a stuck client cannot
			// block connects and disconnects.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.remove(conn)
				}
			}
		}
	}
}

// serve upgrades the request and subscribes the client. The welcome
// event is written first so new clients start from a known state.
func (h *hub) serve(w http.ResponseWriter, r *http.Request, welcome Event) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The listener binds loopback; origin checks gate nothing here.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("Warning: websocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("event client connected (total: %d)", total)

	if welcome.Timestamp.IsZero() {
		welcome.Timestamp = time.Now().UTC()
	}
	if data, err := json.Marshal(welcome); err == nil {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go h.readLoop(conn)
}

// readLoop drains client frames until disconnect. Clients send
// nothing meaningful; the read keeps ping handling alive.
func (h *hub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *hub) remove(conn *websocket.Conn) {
	h.clientsMu.Lock()
	_, exists := h.clients[conn]
	if exists {
		delete(h.clients, conn)
	}
	total := len(h.clients)
	h.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("event client disconnected (total: %d)", total)
	}
}

func (h *hub) clientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
