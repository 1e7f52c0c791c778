package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"crewlink/domain"
	"crewlink/domain/event"
	"crewlink/errors"
	"crewlink/runtime"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxFrameBytes = 32 * 1024
)

// clientConn owns one upgraded socket: the read pump feeds frames to the
// gateway in arrival order, the write pump drains the sink. Both exit when
// either side goes away; teardown always funnels through Disconnect.
type clientConn struct {
	log     *slog.Logger
	ws      *websocket.Conn
	conn    *domain.Connection
	sink    *Sink
	gateway Gateway
}

// readPump dispatches inbound frames one at a time, which is what keeps
// per-connection ordering. Malformed JSON earns an error event and the
// connection lives on; a read error of any kind ends it.
func (c *clientConn) readPump(ctx context.Context) {
	defer func() {
		c.gateway.Disconnect(ctx, c.conn.SocketID, runtime.ReasonClientClose)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Socket read failed", "socketID", c.conn.SocketID, "error", err)
			}
			return
		}

		var frame event.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			wireErr := errors.Wire(&errors.FieldError{Field: "frame", Reason: "is not valid JSON"})
			_ = c.sink.Consume(ctx, event.New(event.Error, wireErr))
			continue
		}

		c.gateway.Dispatch(ctx, c.conn, c.sink, frame)
	}
}

// writePump serializes everything written on the socket: events from the
// sink, keepalive pings, and the final close frame once the sink is done.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case evt := <-c.sink.Events():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(evt)
			if err != nil {
				c.log.Error("Event marshal failed", "socketID", c.conn.SocketID, "type", evt.Type, "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.sink.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
