package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const writeTimeout = 5 * time.Second

// Conn is a websocket listener. Sends are serialized so each write runs
// under its own deadline.
type Conn struct {
	id string
	ws *websocket.Conn

	mu sync.Mutex
}

// NewConn wraps a websocket connection as a listener.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{id: uuid.NewString(), ws: ws}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, ev)
}

// Handler upgrades requests to websocket listeners on h. The connection is
// read until the client goes away; incoming messages are ignored.
func Handler(h *Hub) websocket.Handler {
	return func(ws *websocket.Conn) {
		conn := NewConn(ws)
		h.Add(conn)
		defer func() {
			h.Remove(conn.ID())
			ws.Close()
		}()

		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}
}
