package api

import (
	"time"

	"golang.org/x/net/websocket"

	"github.com/rennerdo30/tunnelctl/internal/tunnelstate"
)

// EventTunnelStatus is the WebSocket event type carrying a TunnelStatus.
const EventTunnelStatus = "tunnel.status"

// Event is a WebSocket message.
type Event struct {
	Type      string                   `json:"type"`
	Timestamp string                   `json:"timestamp"`
	Data      tunnelstate.TunnelStatus `json:"data"`
}

func statusEvent(s tunnelstate.TunnelStatus) Event {
	return Event{
		Type:      EventTunnelStatus,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      s,
	}
}

// serveWS streams status changes to one client, starting with the current
// status. Slow clients see only the newest status.
func (a *API) serveWS(ws *websocket.Conn) {
	defer ws.Close()

	updates, cancel := a.ctrl.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Read messages for ping/pong until the client goes away.
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			if msg == "ping" {
				_ = websocket.Message.Send(ws, "pong")
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, statusEvent(s)); err != nil {
				a.logger.Debug("websocket send failed", "error", err)
				return
			}
		}
	}
}
