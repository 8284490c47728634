package server

import (
	"log"
	"sync"

	"github.com/alimasry/otsync/backend"
)

// Hub tracks live connections. Joins and leaves are serialized through its
// run loop.
type Hub struct {
	backend *backend.Backend
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub(b *backend.Backend) *Hub {
	return &Hub{
		backend:    b,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns after Stop, once every client has
// been disconnected.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("hub: client %s connected as agent %s", c.ID, c.session.agent.ID)
		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			delete(h.clients, c)
			h.mu.Unlock()
			if ok {
				h.disconnect(c)
				log.Printf("hub: client %s disconnected", c.ID)
			}
		case <-h.stop:
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			for c := range clients {
				h.disconnect(c)
			}
			return
		}
	}
}

func (h *Hub) disconnect(c *Client) {
	c.session.close()
	c.close()
}

// join hands a new client to the run loop. It reports false once the hub
// has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.disconnect(c)
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and ends Run. It waits for Run to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
