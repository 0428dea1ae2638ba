package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/petervdpas/goopcall/internal/signal"
)

// Local is a Transport for one user that reads and writes a Store in the
// same process.
type Local struct {
	store *Store
	self  string
}

func NewLocal(store *Store, self string) *Local {
	return &Local{store: store, self: self}
}

func (l *Local) Send(ctx context.Context, to string, msg signal.Message) error {
	msg.SenderID = l.self
	if err := msg.Validate(); err != nil {
		return err
	}
	if _, err := l.store.Put(ctx, to, msg); err != nil {
		return fmt.Errorf("mailbox: %w", err)
	}
	return nil
}

// Subscribe replays stored messages for forUserID and follows new ones.
// A record is removed once it has been handed to the subscriber.
func (l *Local) Subscribe(forUserID string) (<-chan signal.Message, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan signal.Message, 64)

	go func() {
		err := l.store.Follow(ctx, forUserID, func(r Record) error {
			select {
			case ch <- r.Msg:
			case <-ctx.Done():
				return ctx.Err()
			}
			return l.store.Ack(ctx, forUserID, r.Seq)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("MAILBOX: follow %s stopped: %v", signal.Short(forUserID), err)
		}
	}()

	return ch, cancel, nil
}
