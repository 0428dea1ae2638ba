package signal

import (
	"context"
	"errors"
	"sync"
)

// Transport delivers signaling messages between identified endpoints.
//
// Send is best effort but never drops silently: if the message cannot be
// handed to the underlying channel an error is returned. Subscribe delivers
// every message addressed to forUserID, in per-sender send order, until the
// returned cancel func is called.
type Transport interface {
	Send(ctx context.Context, to string, msg Message) error
	Subscribe(forUserID string) (<-chan Message, func(), error)
}

var (
	// ErrPeerUnavailable is returned by live transports when the recipient
	// holds no subscription at send time.
	ErrPeerUnavailable = errors.New("signal: recipient not reachable")

	// ErrNotConnected is returned when the transport has no working channel
	// to its backing service.
	ErrNotConnected = errors.New("signal: transport not connected")

	ErrClosed = errors.New("signal: transport closed")
)

const subscriberBuffer = 64

// Fanout distributes inbound messages to the subscriptions of one process.
// With hold > 0, messages that arrive while nobody is subscribed for the
// recipient are buffered (oldest dropped past hold) and replayed to the next
// subscriber.
type Fanout struct {
	mu    sync.Mutex
	subs  map[string]map[*subscriber]struct{}
	held  map[string][]Message
	hold  int
	close bool
}

type subscriber struct {
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func NewFanout(hold int) *Fanout {
	if hold > subscriberBuffer {
		hold = subscriberBuffer
	}
	return &Fanout{
		subs: make(map[string]map[*subscriber]struct{}),
		held: make(map[string][]Message),
		hold: hold,
	}
}

// Subscribe registers a subscription for userID.
func (f *Fanout) Subscribe(userID string) (<-chan Message, func(), error) {
	s := &subscriber{ch: make(chan Message, subscriberBuffer), done: make(chan struct{})}

	f.mu.Lock()
	if f.close {
		f.mu.Unlock()
		return nil, nil, ErrClosed
	}
	set := f.subs[userID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		f.subs[userID] = set
	}
	set[s] = struct{}{}
	// hold never exceeds the channel buffer, so replay cannot block.
	for _, m := range f.held[userID] {
		s.ch <- m
	}
	delete(f.held, userID)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if set := f.subs[userID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(f.subs, userID)
			}
		}
		f.mu.Unlock()
		s.once.Do(func() { close(s.done) })
	}
	return s.ch, cancel, nil
}

// Deliver hands msg to every subscription of userID and reports whether at
// least one subscriber (or the hold buffer) accepted it. Delivery blocks on a
// full subscriber until it reads or cancels, so per-sender order is kept.
func (f *Fanout) Deliver(userID string, msg Message) bool {
	f.mu.Lock()
	if f.close {
		f.mu.Unlock()
		return false
	}
	set := f.subs[userID]
	targets := make([]*subscriber, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	if len(targets) == 0 {
		if f.hold <= 0 {
			f.mu.Unlock()
			return false
		}
		buf := f.held[userID]
		if len(buf) >= f.hold {
			buf = buf[1:]
		}
		f.held[userID] = append(buf, msg)
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	delivered := false
	for _, s := range targets {
		select {
		case s.ch <- msg:
			delivered = true
		case <-s.done:
		}
	}
	return delivered
}

// HasSubscriber reports whether userID currently holds a subscription.
func (f *Fanout) HasSubscriber(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[userID]) > 0
}

// Close cancels every subscription. Channels are never closed by Fanout so
// a concurrent Deliver cannot panic; readers stop on their own cancel.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.close = true
	var all []*subscriber
	for _, set := range f.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	f.subs = make(map[string]map[*subscriber]struct{})
	f.held = make(map[string][]Message)
	f.mu.Unlock()
	for _, s := range all {
		s.once.Do(func() { close(s.done) })
	}
}
