// Package events fans artifact lifecycle events out to in-process
// subscribers and external sinks.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies an artifact lifecycle transition.
type Type string

const (
	ArtifactCreated Type = "artifact.created"
	ArtifactSwept   Type = "artifact.swept"
)

// Event represents an artifact lifecycle event
type Event struct {
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	URL       string    `json:"url,omitempty"`
	Size      int64     `json:"size,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Sink receives every emitted event, e.g. a message bus publisher.
type Sink interface {
	Publish(Event) error
}

// Hub manages event subscriptions
type Hub struct {
	subscribers map[chan Event]struct{}
	sinks       []Sink
	log         *zap.Logger
	mu          sync.RWMutex
}

// NewHub creates a new event hub
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		log:         log.Named("events"),
	}
}

// AddSink registers an external sink.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe creates a subscription for all events
func (h *Hub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		if sub == ch {
			delete(h.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Emit sends an event to all subscribers and sinks. A nil hub drops the event.
func (h *Hub) Emit(event Event) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Skip if channel is full
		}
	}

	for _, s := range h.sinks {
		if err := s.Publish(event); err != nil {
			h.log.Warn("sink publish failed", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes all subscriptions
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
