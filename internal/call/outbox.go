package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

const sendTimeout = 10 * time.Second

type outItem struct {
	to  string
	msg signal.Message
}

// outbox sends queued messages one at a time, in queue order, so the
// remote side sees them in the order the manager produced them.
type outbox struct {
	tr     signal.Transport
	onFail func(outItem, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []outItem
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newOutbox(tr signal.Transport, onFail func(outItem, error)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		tr:     tr,
		onFail: onFail,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(it outItem) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		log.Printf("CALL [%s]: outbox closed, %s to %s not sent", signal.Short(it.msg.SessionID), it.msg.Kind, signal.Short(it.to))
		return
	}
	o.queue = append(o.queue, it)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) next() (outItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outItem{}, false
	}
	it := o.queue[0]
	o.queue[0] = outItem{}
	o.queue = o.queue[1:]
	return it, true
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		it, ok := o.next()
		if !ok {
			o.mu.Lock()
			closing := o.closing
			o.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-o.wake:
			case <-o.ctx.Done():
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(o.ctx, sendTimeout)
		err := o.tr.Send(ctx, it.to, it.msg)
		cancel()
		if err != nil {
			log.Printf("CALL [%s]: send %s to %s failed: %v", signal.Short(it.msg.SessionID), it.msg.Kind, signal.Short(it.to), err)
			if o.onFail != nil {
				o.onFail(it, err)
			}
		}
	}
}

// close stops accepting messages and gives queued ones up to grace to go
// out before abandoning them.
func (o *outbox) close(grace time.Duration) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.closing = true
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-o.done:
	case <-t.C:
		o.cancel()
		<-o.done
	}
	o.cancel()
}
