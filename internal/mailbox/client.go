package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/wsconn"
)

const (
	// localHold keeps delivered records in process until the call machine
	// subscribes; the server already considers them consumed.
	localHold = 64

	// seenCap bounds the message IDs remembered for redelivery dedup.
	seenCap = 512
)

// Client is the mailbox Transport for one user, speaking to a rendezvous
// server's /ws/mailbox endpoint.
type Client struct {
	self string
	ws   *wsconn.Client
	fan  *signal.Fanout
	seen *seenSet
}

func Dial(ctx context.Context, serverURL, userID, token string) (*Client, error) {
	u, err := wsconn.EndpointURL(serverURL, proto.MailboxPath, userID)
	if err != nil {
		return nil, err
	}
	c := &Client{
		self: userID,
		ws:   wsconn.NewClient(u, wsconn.BearerHeader(token), "mailbox"),
		fan:  signal.NewFanout(localHold),
		seen: newSeenSet(seenCap),
	}
	c.ws.OnFrame = c.onFrame
	if err := c.ws.Start(ctx); err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}
	return c, nil
}

func (c *Client) onFrame(ws *wsconn.Client, f proto.Frame) {
	if f.Op != proto.OpMsg || f.Msg == nil {
		return
	}
	if c.seen.add(f.Msg.ID) {
		if !c.fan.Deliver(c.self, *f.Msg) {
			// Closed locally; leave the record for the next session.
			return
		}
	}
	_ = ws.Post(proto.Frame{Op: proto.OpAck, Seq: f.Seq})
}

func (c *Client) Send(ctx context.Context, to string, msg signal.Message) error {
	ack, err := c.ws.Request(ctx, proto.Frame{Op: proto.OpSend, To: to, Msg: &msg})
	if errors.Is(err, wsconn.ErrNotConnected) {
		return fmt.Errorf("mailbox: %w", signal.ErrNotConnected)
	}
	if err != nil {
		return fmt.Errorf("mailbox: send %s: %w", msg.Kind, err)
	}
	return wsconn.AckError(ack)
}

func (c *Client) Subscribe(forUserID string) (<-chan signal.Message, func(), error) {
	return c.fan.Subscribe(forUserID)
}

func (c *Client) Close() {
	c.ws.Close()
	c.fan.Close()
}

// seenSet is a bounded FIFO set of message IDs.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, n), cap: n}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
