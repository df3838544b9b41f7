package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types pushed to every connected client.
const (
	EventAllocationChanged = "allocation.changed"
	EventCacheReloaded     = "cache.reloaded"
	EventSyncDrained       = "sync.drained"
	EventPermanentFailure  = "sync.permanent_failure"
)

// Event is the envelope of every server push.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type identify struct {
	client   *Client
	deviceID string
	msgID    string
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	identify   chan identify
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once

	// guards clients and device IDs for readers outside Run
	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub creates a new Hub instance
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		identify:   make(chan identify),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		log:        logger.With().Str("component", "websocket").Logger(),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Str("client", c.deviceID).Msg("Client connected")

		case req := <-h.identify:
			h.mu.Lock()
			// a device reconnecting replaces its old connection
			for other := range h.clients {
				if other != req.client && other.deviceID == req.deviceID {
					close(other.send)
					delete(h.clients, other)
				}
			}
			if _, ok := h.clients[req.client]; ok {
				req.client.deviceID = req.deviceID
				ack, _ := json.Marshal(map[string]string{"type": "ACK", "msgId": req.msgID, "status": "connected"})
				select {
				case req.client.send <- ack:
				default:
				}
			}
			h.mu.Unlock()
			h.log.Info().Str("device", req.deviceID).Msg("📱 Device identified")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug().Str("client", c.deviceID).Msg("📴 Client disconnected")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// enqueue hands a request to Run unless the hub has stopped.
func enqueue[T any](h *Hub, ch chan T, v T) {
	select {
	case ch <- v:
	case <-h.done:
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues an event for every client. It never blocks; events are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, At: time.Now().UTC(), Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("Event not encodable")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("event", eventType).Msg("Broadcast buffer full, event dropped")
	}
}

// SendToDevice sends a message to a specific device
func (h *Hub) SendToDevice(deviceID string, message any) bool {
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("Error marshaling message")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.deviceID != deviceID {
			continue
		}
		select {
		case c.send <- jsonMsg:
			return true
		default:
			// Buffer full or client dead
			return false
		}
	}
	return false
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
