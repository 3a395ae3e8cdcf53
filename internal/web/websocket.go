package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RampGo/internal/control"
	"github.com/cjeanneret/RampGo/internal/debug"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// wsClient is one /ws connection. Status messages flow out; text frames
// carrying a JSON command and binary frames carrying a CBOR command flow in.
type wsClient struct {
	conn    *websocket.Conn
	status  <-chan string
	replies chan interface{}
	done    chan struct{}
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) reply(v interface{}) {
	select {
	case c.replies <- v:
	case <-c.done:
	default:
		debug.Verbose("WebSocket: dropping reply (channel full)")
	}
}

// HandleWebSocket streams status messages and accepts commands.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("WebSocket upgrade error: %v", err)
		return
	}
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	c := &wsClient{
		conn:    conn,
		status:  ch,
		replies: make(chan interface{}, 8),
		done:    make(chan struct{}),
	}
	debug.Verbose("WebSocket client connected from %s", r.RemoteAddr)

	go c.writePump()
	h.readPump(c) // Blocks until connection closes
}

func (h *Handlers) readPump(c *wsClient) {
	defer c.close()

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	c.conn.SetReadLimit(limit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Verbose("WebSocket read error: %v", err)
			}
			return
		}
		contentType := control.ContentTypeJSON
		if kind == websocket.BinaryMessage {
			contentType = control.ContentTypeCBOR
		}
		_, resp := h.submit(contentType, message, "websocket")
		c.reply(resp)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.status:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case v := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
