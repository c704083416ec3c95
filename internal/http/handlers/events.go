package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/logger"
)

type EventsHandler struct {
	log *logger.Logger
	hub *events.Hub
}

func NewEventsHandler(log *logger.Logger, hub *events.Hub) *EventsHandler {
	return &EventsHandler{log: log.With("handler", "EventsHandler"), hub: hub}
}

// GET /api/events/stream
//
// Server-sent events stream of job and robot lifecycle changes. A client that
// stops reading is dropped rather than allowed to block the hub.
func (h *EventsHandler) Stream(c *gin.Context) {
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Dropping unmarshalable event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, raw); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
