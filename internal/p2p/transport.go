package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
)

const (
	// inboxCap is the number of messages buffered before the call machine
	// subscribes.
	inboxCap = 32

	// ackTimeout is how long Send waits for the remote ack.
	ackTimeout = 10 * time.Second
)

// Transport sends and receives signaling messages over libp2p streams.
type Transport struct {
	host host.Host
	self string
	fan  *signal.Fanout
}

func NewTransport(h host.Host) *Transport {
	t := &Transport{
		host: h,
		self: h.ID().String(),
		fan:  signal.NewFanout(inboxCap),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), t.handleIncoming)
	log.Printf("P2P: registered handler for %s", proto.SignalProtoID)
	return t
}

// SelfID is the local user ID.
func (t *Transport) SelfID() string { return t.self }

// Send opens a stream to the peer, writes msg as one JSON line and waits for
// the ack.
func (t *Transport) Send(ctx context.Context, to string, msg signal.Message) error {
	pid, err := peer.Decode(to)
	if err != nil {
		return fmt.Errorf("%w: invalid peer id %q: %v", signal.ErrInvalidMessage, to, err)
	}
	msg.SenderID = t.self

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := t.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("%w: open stream to %s: %v", signal.ErrPeerUnavailable, signal.Short(to), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return fmt.Errorf("p2p: encode %s: %w", msg.Kind, err)
	}

	var ack proto.SignalAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("p2p: waiting for ack from %s: %w", signal.Short(to), err)
	}
	if ack.ID != msg.ID {
		return fmt.Errorf("p2p: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}
	return nil
}

func (t *Transport) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(30 * time.Second))

	var msg signal.Message
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Printf("P2P: decode error from %s: %v", signal.Short(remote), err)
		return
	}

	// The stream's authenticated peer is the sender, whatever the body says.
	msg.SenderID = remote
	if err := msg.Validate(); err != nil {
		log.Printf("P2P: dropping message from %s: %v", signal.Short(remote), err)
		return
	}

	// Hand off before acking: the sender's next Send waits on this ack, so
	// messages from one sender reach the fanout in the order they were sent.
	t.fan.Deliver(t.self, msg)

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(proto.SignalAck{ID: msg.ID, TS: proto.NowMillis()}); err != nil {
		log.Printf("P2P: ack write error to %s: %v", signal.Short(remote), err)
	}
}

func (t *Transport) Subscribe(forUserID string) (<-chan signal.Message, func(), error) {
	return t.fan.Subscribe(forUserID)
}

// Close removes the stream handler and drops subscriptions. The host is
// owned by the caller.
func (t *Transport) Close() {
	t.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
	t.fan.Close()
}
