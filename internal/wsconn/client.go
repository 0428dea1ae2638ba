package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	// AckTimeout bounds how long Request waits for the server's ack.
	AckTimeout = 10 * time.Second

	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

var ErrNotConnected = errors.New("wsconn: not connected")

// Client keeps one dialed connection alive, redialing with backoff when it
// drops. Ack frames are matched to pending requests by ID; every other frame
// goes to OnFrame.
type Client struct {
	url    string
	header http.Header
	label  string

	// OnFrame receives inbound non-ack frames in arrival order.
	OnFrame func(*Client, proto.Frame)
	// OnConnect is called each time a connection is (re)established.
	OnConnect func(*Client)

	mu      sync.Mutex
	conn    *Conn
	pending map[string]chan proto.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, header http.Header, label string) *Client {
	return &Client{
		url:     url,
		header:  header,
		label:   label,
		pending: make(map[string]chan proto.Frame),
	}
}

// Start dials once synchronously so misconfiguration surfaces to the
// caller, then keeps the connection alive until ctx ends or Close.
func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(c.ctx)
	if err != nil {
		c.cancel()
		return err
	}

	// Published before Start returns so an immediate Send finds it.
	c.setConn(conn)
	c.wg.Add(1)
	go c.loop(conn)
	go func() {
		<-c.ctx.Done()
		c.mu.Lock()
		cur := c.conn
		c.mu.Unlock()
		if cur != nil {
			cur.Close()
		}
	}()
	return nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, AckTimeout)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(dctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.label, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.label, err)
	}
	return New(ws, c.label), nil
}

func (c *Client) loop(conn *Conn) {
	defer c.wg.Done()

	backoff := minBackoff
	for {
		if c.ctx.Err() != nil {
			conn.Close()
		}
		if c.OnConnect != nil {
			c.OnConnect(c)
		}
		conn.Run(func(f proto.Frame) { c.handle(f) })
		c.setConn(nil)

		if c.ctx.Err() != nil {
			return
		}
		log.Printf("WS [%s]: connection lost, redialing", c.label)

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := c.dial(c.ctx)
			if err == nil {
				conn = next
				c.setConn(conn)
				backoff = minBackoff
				break
			}
			log.Printf("WS [%s]: redial failed: %v", c.label, err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (c *Client) setConn(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) handle(f proto.Frame) {
	if f.Op == proto.OpAck && f.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
		return
	}
	if c.OnFrame != nil {
		c.OnFrame(c, f)
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Post writes f without waiting for an ack.
func (c *Client) Post(f proto.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(f)
}

// Request writes f with a fresh ID and waits for the matching ack.
func (c *Client) Request(ctx context.Context, f proto.Frame) (proto.Frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan proto.Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return proto.Frame{}, ErrNotConnected
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := conn.Send(f); err != nil {
		return proto.Frame{}, ErrNotConnected
	}

	timer := time.NewTimer(AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack, nil
	case <-conn.Done():
		return proto.Frame{}, ErrNotConnected
	case <-timer.C:
		return proto.Frame{}, fmt.Errorf("%s: waiting for ack: %w", c.label, context.DeadlineExceeded)
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

// Close stops redialing and closes the current connection.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// AckError converts a failed ack frame into an error that callers can test
// with errors.Is against the signal package sentinels.
func AckError(f proto.Frame) error {
	if f.Error == "" && f.Code == "" {
		return nil
	}
	switch f.Code {
	case proto.CodeUnavailable:
		return withDetail(signal.ErrPeerUnavailable, f.Error)
	case proto.CodeInvalid:
		return withDetail(signal.ErrInvalidMessage, f.Error)
	default:
		return fmt.Errorf("server: %s", f.Error)
	}
}

// withDetail wraps sentinel around the server's error text, which usually
// already starts with the sentinel's own message.
func withDetail(sentinel error, text string) error {
	detail := strings.TrimPrefix(text, sentinel.Error())
	detail = strings.TrimPrefix(detail, ": ")
	if detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

// ErrorCode picks the ack code for a server-side send failure.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, signal.ErrPeerUnavailable):
		return proto.CodeUnavailable
	case errors.Is(err, signal.ErrInvalidMessage):
		return proto.CodeInvalid
	default:
		return proto.CodeInternal
	}
}

// EndpointURL turns an http(s) base URL into the ws(s) URL of path for userID.
func EndpointURL(base, path, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// BearerHeader returns an Authorization header for token, or nil.
func BearerHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
