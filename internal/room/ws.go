package room

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/formsync/internal/proto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
	sendBuffer = 256
)

var ErrConnClosed = errors.New("connection closed")

// ErrSlowConsumer is returned by Send when the outbound queue is full. The
// connection is closed.
var ErrSlowConsumer = errors.New("slow consumer")

// NewUpgrader returns a websocket upgrader that accepts the given origins.
// An empty list or "*" accepts any origin.
func NewUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 65536,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
					return true
				}
			}
			return false
		},
	}
}

// WSConn adapts a gorilla websocket to Stream. Writes go through a buffered
// queue drained by a single writer goroutine.
type WSConn struct {
	id  string
	ws  *websocket.Conn
	out chan proto.Message

	onPong func()

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSConn(ws *websocket.Conn, onPong func()) *WSConn {
	c := &WSConn{
		id:     uuid.NewString(),
		ws:     ws,
		out:    make(chan proto.Message, sendBuffer),
		onPong: onPong,
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writePump()
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(msg proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.out <- msg:
		return nil
	default:
		go c.Close()
		return ErrSlowConsumer
	}
}

func (c *WSConn) Receive() (proto.Message, error) {
	var msg proto.Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return proto.Message{}, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return msg, nil
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			// Drain what is already queued so a final error reaches the peer.
			for {
				select {
				case msg := <-c.out:
					_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if c.ws.WriteJSON(msg) != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, ident *Identity) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ROOM: websocket upgrade: %v", err)
		return
	}
	var conn *WSConn
	conn = NewWSConn(ws, func() { h.presence.Touch(conn.ID()) })
	h.ServeStream(r.Context(), conn, ident)
}
