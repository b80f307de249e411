package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/openmined/watchback/internal/events"
)

const writeTimeout = 20 * time.Second

// EventsHandler streams bus events to websocket clients.
type EventsHandler struct {
	bus *events.Bus
}

func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// Stream sends every event as a JSON text message until the client goes
// away. The optional profile query parameter filters by profile name.
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.bus == nil {
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeUnknownError, errors.New("event bus not initialized"))
		return
	}
	profile := c.Query("profile")

	// the server write timeout would otherwise end the stream
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		c.Error(err)
		return
	}
	defer conn.CloseNow()

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	// nothing is read from clients; CloseRead handles control frames
	ctx := conn.CloseRead(c.Request.Context())
	slog.Debug("event stream open", "profile", profile, "ip", c.ClientIP())

	for {
		select {
		case <-ctx.Done():
			slog.Debug("event stream closed", "profile", profile)
			return

		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			if profile != "" && ev.Profile != profile {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					slog.Warn("event stream write", "error", err)
				}
				return
			}
		}
	}
}
