// Package wsconn carries proto.Frame values over gorilla websocket
// connections, on both the serving and the dialing side.
package wsconn

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
)

const (
	// writeWait is the deadline for a single frame or control write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. Each side pings every pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds one frame. SDP blobs with many codecs run to a
	// few tens of KB.
	maxMessageSize = 256 << 10

	sendBufferSize = 256
)

var ErrClosed = errors.New("wsconn: connection closed")

// Upgrader is shared by every server endpoint.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one websocket connection. Writes go through a single pump
// goroutine; reads are delivered to the handler passed to Run.
type Conn struct {
	ws    *websocket.Conn
	label string

	send chan proto.Frame
	done chan struct{}
	once sync.Once
}

func New(ws *websocket.Conn, label string) *Conn {
	return &Conn{
		ws:    ws,
		label: label,
		send:  make(chan proto.Frame, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// Run starts the write pump and reads frames until the connection fails or
// is closed. handle is called sequentially, in arrival order.
func (c *Conn) Run(handle func(proto.Frame)) {
	go c.writePump()
	c.readPump(handle)
}

func (c *Conn) readPump(handle func(proto.Frame)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WS [%s]: unexpected close: %v", c.label, err)
			}
			return
		}
		var f proto.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("WS [%s]: invalid frame: %v", c.label, err)
			continue
		}
		handle(f)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				log.Printf("WS [%s]: write failed: %v", c.label, err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send queues f for writing. A peer that cannot keep up with the buffer is
// disconnected rather than allowed to stall its producer.
func (c *Conn) Send(f proto.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		log.Printf("WS [%s]: send buffer full, disconnecting", c.label)
		c.Close()
		return ErrClosed
	}
}

// SendWait queues f, blocking while the buffer is full. Producers that
// must not lose frames (mailbox replay) use it instead of Send.
func (c *Conn) SendWait(f proto.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		// Unblock a read that would otherwise wait out pongWait.
		_ = c.ws.SetReadDeadline(time.Now())
	})
}
