package call

import (
	"log"
	"time"

	"github.com/petervdpas/goopcall/internal/signal"
)

// orphans holds candidates for sessions this endpoint has not seen an
// offer for yet. Durable transports can surface a candidate before the
// offer it follows.
type orphans struct {
	max   int
	ttl   time.Duration
	count int
	bySID map[string]*orphanSet
}

type orphanSet struct {
	at   time.Time
	msgs []signal.Message
}

func newOrphans(max int, ttl time.Duration) *orphans {
	return &orphans{max: max, ttl: ttl, bySID: make(map[string]*orphanSet)}
}

func (o *orphans) add(msg signal.Message, now time.Time) {
	o.prune(now)
	if o.count >= o.max {
		log.Printf("CALL [%s]: early candidate dropped, buffer full", signal.Short(msg.SessionID))
		return
	}
	set, ok := o.bySID[msg.SessionID]
	if !ok {
		set = &orphanSet{at: now}
		o.bySID[msg.SessionID] = set
	}
	set.msgs = append(set.msgs, msg)
	o.count++
}

// take removes and returns what was held for sessionID from sender.
func (o *orphans) take(sessionID, sender string, now time.Time) []signal.Message {
	o.prune(now)
	set, ok := o.bySID[sessionID]
	if !ok {
		return nil
	}
	delete(o.bySID, sessionID)
	o.count -= len(set.msgs)

	out := set.msgs[:0]
	for _, m := range set.msgs {
		if m.SenderID == sender {
			out = append(out, m)
		}
	}
	return out
}

func (o *orphans) prune(now time.Time) {
	for sid, set := range o.bySID {
		if now.Sub(set.at) > o.ttl {
			o.count -= len(set.msgs)
			delete(o.bySID, sid)
		}
	}
}

func (o *orphans) len() int { return o.count }
