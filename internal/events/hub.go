package events

import (
	"context"
	"sync"

	"github.com/grandir66/dadude2.0-sub000/internal/metrics"
)

// Hub is the broker between publishers and subscribed operator clients.
//
// Registry mutations (register, unregister) are serialized through the Run
// loop via channels; Publish only takes a short read-lock to copy the
// target set, then sends outside the lock so a full client buffer cannot
// stall the loop.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu protects clients and topics for Publish, which reads them from
	// outside the Run goroutine.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.attach(client)
		case client := <-h.unregister:
			h.detach(client)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) attach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = struct{}{}
	for _, topic := range client.topics {
		set := h.topics[topic]
		if set == nil {
			set = make(map[*Client]struct{})
			h.topics[topic] = set
		}
		set[client] = struct{}{}
	}
}

// detach is idempotent: a client can be queued for unregistration twice,
// once by a failed Publish and once by its own readPump.
func (h *Hub) detach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for _, topic := range client.topics {
		delete(h.topics[topic], client)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	// Signals the client's writePump to drain and exit.
	close(client.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]struct{})
	h.topics = make(map[string]map[*Client]struct{})
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine. Clients whose send buffer is full are disconnected so a
// slow consumer cannot block the other subscribers on the topic.
func (h *Hub) Publish(topic string, typ MessageType, payload any) {
	msg := Message{Type: typ, Topic: topic, Payload: payload}

	h.mu.RLock()
	targets := h.topics[topic]
	clients := make([]*Client, 0, len(targets))
	for c := range targets {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			metrics.EventsDropped.Inc()
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected operator clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
