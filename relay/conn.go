package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	// Room for a maximum length message whose every character is escaped to
	// six bytes, plus the event envelope.
	maxMessageSize = 64 * 1024
)

// Conn is a middleman between one websocket connection and the hub.
type Conn struct {
	hub    *Hub
	handle presence.Handle

	// The websocket connection. Nil for connections driven directly in tests.
	ws *websocket.Conn

	// Buffered channel of outbound frames. Closed by the hub only.
	send chan []byte

	// Token subject when credentials are enforced.
	subject string

	typing *rate.Limiter
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.leave(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("read failed", "conn", c.handle, "error", err)
			}
			return
		}

		var event model.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.hub.log.Warn("invalid frame", "conn", c.handle, "error", err)
			if !c.hub.submit(c, model.Event{}) {
				return
			}
			continue
		}
		if !c.hub.submit(c, event) {
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
