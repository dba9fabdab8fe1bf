package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 10 * time.Second

// wsConn wraps one accepted websocket as a registry handle. Writes are
// serialized; a detached conn drops sends silently while the client
// finishes tearing the old socket down.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	mu   sync.Mutex
	gone atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, event any) error {
	if c.gone.Load() {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(wctx, c.ws, event)
}

// Detach mutes the connection without closing the socket. The owning
// read loop still sees the close from the client side.
func (c *wsConn) Detach() { c.gone.Store(true) }

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.gone.Store(true)
	_ = c.ws.Close(code, reason)
}
