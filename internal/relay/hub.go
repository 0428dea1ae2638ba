// Package relay is the live signaling realization: messages are forwarded
// to the recipient's open subscriptions and lost when there are none.
package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/wsconn"
)

// Hub routes messages between the users connected to it. It keeps no
// message state.
type Hub struct {
	fan *signal.Fanout

	mu     sync.Mutex
	online map[string]int // userID -> open connections
}

func NewHub() *Hub {
	return &Hub{
		fan:    signal.NewFanout(0),
		online: make(map[string]int),
	}
}

// Forward stamps from as the sender and hands msg to every live
// subscription of to. It fails with signal.ErrPeerUnavailable when to has
// none, since the message would otherwise be lost.
func (h *Hub) Forward(from, to string, msg signal.Message) error {
	msg.SenderID = from
	if err := msg.Validate(); err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("%w: missing recipient", signal.ErrInvalidMessage)
	}
	if !h.fan.Deliver(to, msg) {
		log.Printf("RELAY: %s %s -> %s dropped, recipient offline", msg.Kind, signal.Short(from), signal.Short(to))
		return fmt.Errorf("%w: %s", signal.ErrPeerUnavailable, to)
	}
	return nil
}

// Online reports whether userID holds at least one subscription.
func (h *Hub) Online(userID string) bool {
	return h.fan.HasSubscriber(userID)
}

// Users lists users with an open websocket connection.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.online))
	for id := range h.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) track(userID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online[userID] += delta
	if h.online[userID] <= 0 {
		delete(h.online, userID)
	}
}

// ServeWS upgrades the request and serves the relay protocol for an already
// authenticated userID until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := wsconn.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed for %s: %v", signal.Short(userID), err)
		return
	}
	conn := wsconn.New(ws, "relay:"+signal.Short(userID))

	ch, cancel, err := h.fan.Subscribe(userID)
	if err != nil {
		conn.Close()
		return
	}
	defer cancel()

	h.track(userID, 1)
	defer h.track(userID, -1)
	log.Printf("RELAY: %s connected", signal.Short(userID))

	go func() {
		for {
			select {
			case m := <-ch:
				if err := conn.SendWait(proto.Frame{Op: proto.OpMsg, Msg: &m}); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	conn.Run(func(f proto.Frame) {
		switch f.Op {
		case proto.OpSend:
			ack := proto.Frame{Op: proto.OpAck, ID: f.ID}
			if f.Msg == nil {
				ack.Error, ack.Code = "missing msg", proto.CodeInvalid
			} else if err := h.Forward(userID, f.To, *f.Msg); err != nil {
				ack.Error, ack.Code = err.Error(), wsconn.ErrorCode(err)
			}
			_ = conn.Send(ack)
		default:
			_ = conn.Send(proto.Frame{Op: proto.OpError, ID: f.ID, Error: "unsupported op " + f.Op})
		}
	})
	log.Printf("RELAY: %s disconnected", signal.Short(userID))
}

// Transport returns an in-process Transport for userID backed by the hub.
func (h *Hub) Transport(userID string) signal.Transport {
	return &localTransport{hub: h, self: userID}
}

// Close drops every subscription.
func (h *Hub) Close() { h.fan.Close() }

type localTransport struct {
	hub  *Hub
	self string
}

func (t *localTransport) Send(ctx context.Context, to string, msg signal.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.Forward(t.self, to, msg)
}

func (t *localTransport) Subscribe(forUserID string) (<-chan signal.Message, func(), error) {
	return t.hub.fan.Subscribe(forUserID)
}
