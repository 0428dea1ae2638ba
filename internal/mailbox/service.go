package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/wsconn"
)

// Service serves a Store over the /ws/mailbox websocket protocol.
type Service struct {
	store *Store
	ttl   time.Duration
}

func NewService(store *Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl}
}

// Run purges expired records until ctx ends.
func (s *Service) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	every := s.ttl / 2
	if every < 30*time.Second {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.store.Purge(ctx, time.Now().Add(-s.ttl))
			if err != nil {
				log.Printf("MAILBOX: purge failed: %v", err)
			} else if n > 0 {
				log.Printf("MAILBOX: purged %d expired messages", n)
			}
		}
	}
}

// Put stores msg from an authenticated sender.
func (s *Service) Put(ctx context.Context, from, to string, msg signal.Message) error {
	msg.SenderID = from
	if err := msg.Validate(); err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("%w: missing recipient", signal.ErrInvalidMessage)
	}
	_, err := s.store.Put(ctx, to, msg)
	return err
}

// ServeWS upgrades the request and serves the mailbox of userID: stored and
// new records are streamed as msg frames, and records are deleted when the
// client acks their seq. Unacked records are redelivered on the next
// connection.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := wsconn.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("MAILBOX: upgrade failed for %s: %v", signal.Short(userID), err)
		return
	}
	conn := wsconn.New(ws, "mailbox:"+signal.Short(userID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()

	go func() {
		err := s.store.Follow(ctx, userID, func(rec Record) error {
			m := rec.Msg
			return conn.SendWait(proto.Frame{Op: proto.OpMsg, Seq: rec.Seq, Msg: &m})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, wsconn.ErrClosed) {
			log.Printf("MAILBOX: follow %s stopped: %v", signal.Short(userID), err)
			conn.Close()
		}
	}()

	log.Printf("MAILBOX: %s connected", signal.Short(userID))
	conn.Run(func(f proto.Frame) {
		switch f.Op {
		case proto.OpSend:
			ack := proto.Frame{Op: proto.OpAck, ID: f.ID}
			if f.Msg == nil {
				ack.Error, ack.Code = "missing msg", proto.CodeInvalid
			} else if err := s.Put(ctx, userID, f.To, *f.Msg); err != nil {
				ack.Error, ack.Code = err.Error(), wsconn.ErrorCode(err)
			}
			_ = conn.Send(ack)
		case proto.OpAck:
			if err := s.store.Ack(ctx, userID, f.Seq); err != nil {
				log.Printf("MAILBOX: %v", err)
			}
		default:
			_ = conn.Send(proto.Frame{Op: proto.OpError, ID: f.ID, Error: "unsupported op " + f.Op})
		}
	})
	log.Printf("MAILBOX: %s disconnected", signal.Short(userID))
}
