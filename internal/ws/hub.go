package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const broadcastBuffer = 256

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Envelope is the frame every subscriber receives.
type Envelope struct {
	Type         string    `json:"type"`
	RepositoryID int64     `json:"repository_id"`
	Data         any       `json:"data"`
	SentAt       time.Time `json:"sent_at"`
}

// Hub manages stream subscriptions by repository ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[int64]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	logger    *slog.Logger
}

// message couples payload with repository identifier.
type message struct {
	repositoryID int64
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	repositoryID int64
	client       Subscriber
	done         chan struct{}
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[int64]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		logger:    logger.With("component", "ws"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.repositoryID]; !ok {
				h.clients[sub.repositoryID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.repositoryID][sub.client] = struct{}{}
			h.mu.Unlock()
			close(sub.done)
		case sub := <-h.unreg:
			h.mu.Lock()
			if clients, ok := h.clients[sub.repositoryID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.repositoryID)
				}
			}
			h.mu.Unlock()
			close(sub.done)
		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.repositoryID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.repositoryID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to a repository stream.
func (h *Hub) Register(repositoryID int64, client Subscriber) {
	done := make(chan struct{})
	h.register <- subscription{repositoryID: repositoryID, client: client, done: done}
	<-done
}

// Unregister removes a client.
func (h *Hub) Unregister(repositoryID int64, client Subscriber) {
	done := make(chan struct{})
	h.unreg <- subscription{repositoryID: repositoryID, client: client, done: done}
	<-done
}

// Broadcast queues payload for all repository clients. It drops the frame when the queue is
// full so publishers never block on slow subscribers.
func (h *Hub) Broadcast(repositoryID int64, payload []byte) {
	select {
	case h.broadcast <- message{repositoryID: repositoryID, payload: payload}:
	default:
		h.logger.Warn("broadcast queue full, frame dropped", "repository_id", repositoryID)
	}
}

// Publish encodes an Envelope and broadcasts it.
func (h *Hub) Publish(repositoryID int64, kind string, payload any) {
	data, err := json.Marshal(Envelope{Type: kind, RepositoryID: repositoryID, Data: payload, SentAt: time.Now().UTC()})
	if err != nil {
		h.logger.Warn("encode broadcast failed", "type", kind, "error", err)
		return
	}
	h.Broadcast(repositoryID, data)
}

// Subscribers reports how many clients follow repositoryID.
func (h *Hub) Subscribers(repositoryID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[repositoryID])
}
