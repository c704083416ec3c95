package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/botfleet/orchestrator/internal/logger"
)

// Subscriber receives events on a bounded channel. A subscriber that stops
// draining loses events rather than blocking the orchestrator.
type Subscriber struct {
	ID       uuid.UUID
	Outbound chan Event
	done     chan struct{}
}

func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Hub fans lifecycle events out to in-process subscribers (SSE streams,
// tests). Broadcast never blocks.
type Hub struct {
	mu          sync.RWMutex
	log         *logger.Logger
	subscribers map[uuid.UUID]*Subscriber
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:         log.With("component", "EventHub"),
		subscribers: make(map[uuid.UUID]*Subscriber),
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		Outbound: make(chan Event, 64),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()
	h.log.Debug("Event subscriber attached", "subscriber_id", sub.ID)
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()
	close(sub.done)
	close(sub.Outbound)
	h.log.Debug("Event subscriber detached", "subscriber_id", sub.ID)
}

func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		select {
		case sub.Outbound <- ev:
		default:
			h.log.Warn("Dropping event; subscriber buffer full", "subscriber_id", sub.ID, "event", ev.Type)
		}
	}
}
