package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrdadan/snapq/internal/events"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// keepAliveInterval paces SSE comments that keep idle proxies from closing
// the stream.
const keepAliveInterval = 30 * time.Second

// EventsHandler streams artifact lifecycle events
type EventsHandler struct {
	hub *events.Hub
	log *zap.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *events.Hub, log *zap.Logger) *EventsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventsHandler{hub: hub, log: log.Named("events")}
}

func matches(filter string, ev events.Event) bool {
	return filter == "" || string(ev.Type) == filter
}

// StreamEvents streams events via SSE. ?type= narrows to one event type.
// GET /events
func (h *EventsHandler) StreamEvents(c *fiber.Ctx) error {
	filter := c.Query("type")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	sub := h.hub.Subscribe()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.hub.Unsubscribe(sub)

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				if !matches(filter, event) {
					continue
				}
				eventData, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, eventData)
			case <-ticker.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			}
			// A failed flush means the client went away.
			if err := w.Flush(); err != nil {
				return
			}
		}
	})

	return nil
}

// HandleWebSocket handles WebSocket connections for artifact events
// GET /events/ws
func (h *EventsHandler) HandleWebSocket(c *websocket.Conn) {
	filter := c.Query("type")

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	// Reads only detect the client closing; inbound messages are ignored.
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}()

	for event := range sub {
		if !matches(filter, event) {
			continue
		}
		if err := c.WriteJSON(event); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
