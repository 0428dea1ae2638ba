package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/wsconn"
)

// localHold buffers relayed messages that reach this process before the
// call machine has subscribed.
const localHold = 16

// Client is the relay Transport for one user, speaking to a rendezvous
// server's /ws/relay endpoint.
type Client struct {
	self string
	ws   *wsconn.Client
	fan  *signal.Fanout
}

// Dial connects userID to the relay endpoint of serverURL. token is sent as
// a bearer token when the server requires authentication.
func Dial(ctx context.Context, serverURL, userID, token string) (*Client, error) {
	u, err := wsconn.EndpointURL(serverURL, proto.RelayPath, userID)
	if err != nil {
		return nil, err
	}
	c := &Client{
		self: userID,
		ws:   wsconn.NewClient(u, wsconn.BearerHeader(token), "relay"),
		fan:  signal.NewFanout(localHold),
	}
	c.ws.OnFrame = func(_ *wsconn.Client, f proto.Frame) {
		if f.Op == proto.OpMsg && f.Msg != nil {
			c.fan.Deliver(c.self, *f.Msg)
		}
	}
	if err := c.ws.Start(ctx); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return c, nil
}

func (c *Client) Send(ctx context.Context, to string, msg signal.Message) error {
	ack, err := c.ws.Request(ctx, proto.Frame{Op: proto.OpSend, To: to, Msg: &msg})
	if errors.Is(err, wsconn.ErrNotConnected) {
		return fmt.Errorf("relay: %w", signal.ErrNotConnected)
	}
	if err != nil {
		return fmt.Errorf("relay: send %s: %w", msg.Kind, err)
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
