package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"listshare/internal/dto"

	"github.com/gorilla/websocket"
)

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	send   chan []byte

	mu     sync.Mutex
	lists  map[string]struct{}
	closed bool
}

func (c *client) joined(listID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lists[listID]
	return ok
}

// enqueue never blocks the hub; a client that cannot keep up is dropped and
// will resync on reconnect.
func (c *client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.log.Warn("realtime client too slow, dropping connection", "user_id", c.userID)
		c.closed = true
		close(c.send)
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	pongWait := c.hub.ping * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("realtime read failed", "user_id", c.userID, "err", err)
			}
			return
		}
		var msg dto.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(dto.ServerMessage{Event: dto.EventError, Error: "malformed message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *client) handle(ctx context.Context, msg dto.ClientMessage) {
	switch msg.Action {
	case dto.ActionJoin:
		if _, err := c.hub.lists.Get(ctx, c.userID, msg.ListID); err != nil {
			c.reply(dto.ServerMessage{Event: dto.EventError, ListID: msg.ListID, Error: "not found"})
			return
		}
		c.mu.Lock()
		c.lists[msg.ListID] = struct{}{}
		c.mu.Unlock()
	case dto.ActionLeave:
		c.mu.Lock()
		delete(c.lists, msg.ListID)
		c.mu.Unlock()
	default:
		c.reply(dto.ServerMessage{Event: dto.EventError, ListID: msg.ListID, Error: "unknown action"})
	}
}

func (c *client) reply(msg dto.ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.hub.log.Warn("realtime write failed", "user_id", c.userID, "err", err)
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
